package control

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	frames := []*Frame{
		{Type: TypeOutput, Output: &OutputFrame{Text: "hello\n", Stream: "stdout"}},
		{Type: TypePrompt, Prompt: &PromptFrame{ID: "p1", Style: "confirm", Text: "delete vault?", Default: "n"}},
		{Type: TypeResult, Result: &ResultFrame{OK: true, ExitCode: 0, Stdout: "done"}},
		{Type: TypeRequest, Request: &RequestFrame{Cmd: "vault", Args: []string{"list"}, Line: "vault list", Interactive: true}},
		{Type: TypeInput, Input: &InputFrame{ID: "p1", Value: "y"}},
	}

	var buf bytes.Buffer
	for _, f := range frames {
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatalf("write %s: %v", f.Type, err)
		}
	}
	for _, want := range frames {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("read %s: %v", want.Type, err)
		}
		if got.Type != want.Type {
			t.Errorf("type = %s, want %s", got.Type, want.Type)
		}
	}
}

func TestFramePrefixIsBigEndian(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, &Frame{Type: TypeOutput, Output: &OutputFrame{Text: "x", Stream: "stdout"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw := buf.Bytes()
	length := binary.BigEndian.Uint32(raw[:4])
	if int(length) != len(raw)-4 {
		t.Errorf("prefix = %d, payload = %d", length, len(raw)-4)
	}
}

func TestReadFrame_OversizeRejected(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxFrameSize+1)
	buf.Write(prefix[:])

	if _, err := ReadFrame(&buf); err == nil {
		t.Error("oversized frame accepted")
	}
}

func TestReadFrame_TruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 100)
	buf.Write(prefix[:])
	buf.WriteString("short")

	if _, err := ReadFrame(&buf); err == nil {
		t.Error("truncated frame accepted")
	}
}

func TestReadFrame_GarbageJSON(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	payload := []byte("{not json")
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	buf.Write(prefix[:])
	buf.Write(payload)

	if _, err := ReadFrame(&buf); err == nil {
		t.Error("garbage payload accepted")
	}
}
