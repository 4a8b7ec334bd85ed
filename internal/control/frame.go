// Package control implements the admin control plane: length-prefixed JSON
// frames over a unix domain socket, consumed by the CLI.
package control

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vaulthalla/vaulthalla/internal/errs"
)

// MaxFrameSize bounds a single frame; anything larger is a protocol error.
const MaxFrameSize = 4 * 1024 * 1024

// Frame types produced by the core.
const (
	TypeOutput = "output"
	TypePrompt = "prompt"
	TypeResult = "result"
)

// Frame types consumed by the core.
const (
	TypeRequest = "request"
	TypeInput   = "input"
)

// Frame is the wire envelope. Exactly one payload field matches Type.
type Frame struct {
	Type    string        `json:"type"`
	Output  *OutputFrame  `json:"output,omitempty"`
	Prompt  *PromptFrame  `json:"prompt,omitempty"`
	Result  *ResultFrame  `json:"result,omitempty"`
	Request *RequestFrame `json:"request,omitempty"`
	Input   *InputFrame   `json:"input,omitempty"`
}

type OutputFrame struct {
	Text   string `json:"text"`
	Stream string `json:"stream"` // "stdout" or "stderr"
}

type PromptFrame struct {
	ID      string `json:"id"`
	Style   string `json:"style"` // "confirm" or "input"
	Text    string `json:"text"`
	Default string `json:"default,omitempty"`
}

type ResultFrame struct {
	OK       bool            `json:"ok"`
	ExitCode int             `json:"exit_code"`
	Stdout   string          `json:"stdout,omitempty"`
	Stderr   string          `json:"stderr,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type RequestFrame struct {
	Cmd         string   `json:"cmd"`
	Args        []string `json:"args"`
	Argv        []string `json:"argv"`
	Line        string   `json:"line"`
	Interactive bool     `json:"interactive"`
}

type InputFrame struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// WriteFrame sends one frame: 4-byte big-endian length prefix, then JSON.
func WriteFrame(w io.Writer, f *Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit: %w", len(payload), errs.ErrInvalidArgument)
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame receives one frame.
func ReadFrame(r io.Reader) (*Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit: %w", length, errs.ErrInvalidArgument)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("parse frame: %w", errs.ErrInvalidArgument)
	}
	return &f, nil
}
