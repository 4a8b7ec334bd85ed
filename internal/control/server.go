package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
)

// Session is one connected CLI client. Handlers stream output frames and end
// with exactly one result frame.
type Session struct {
	mu   sync.Mutex
	conn net.Conn
}

// Output streams a text chunk to the client.
func (s *Session) Output(text, stream string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteFrame(s.conn, &Frame{Type: TypeOutput, Output: &OutputFrame{Text: text, Stream: stream}})
}

// Result finalizes the command.
func (s *Session) Result(ok bool, exitCode int, stdout, stderr string, data any) error {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal result data: %w", err)
		}
		raw = encoded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteFrame(s.conn, &Frame{Type: TypeResult, Result: &ResultFrame{
		OK: ok, ExitCode: exitCode, Stdout: stdout, Stderr: stderr, Data: raw,
	}})
}

// Fail is the error-path result: non-zero exit code plus a stderr string.
func (s *Session) Fail(err error) error {
	return s.Result(false, 1, "", err.Error(), nil)
}

// Prompt asks the client a question and blocks for the matching input frame.
// Handlers run synchronously on the connection's read loop, so reading here
// cannot race it.
func (s *Session) Prompt(id, style, text, def string) (string, error) {
	s.mu.Lock()
	err := WriteFrame(s.conn, &Frame{Type: TypePrompt, Prompt: &PromptFrame{ID: id, Style: style, Text: text, Default: def}})
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	for {
		frame, err := ReadFrame(s.conn)
		if err != nil {
			return "", err
		}
		if frame.Type == TypeInput && frame.Input != nil && frame.Input.ID == id {
			return frame.Input.Value, nil
		}
	}
}

// Handler serves one command.
type Handler func(ctx context.Context, req *RequestFrame, session *Session) error

// Server listens on a unix socket and dispatches request frames to handlers
// by command name.
type Server struct {
	socketPath string
	log        *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	listener net.Listener
	conns    sync.WaitGroup
}

func NewServer(socketPath string, log *slog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		log:        log,
		handlers:   make(map[string]Handler),
	}
}

// Handle registers a command handler.
func (s *Server) Handle(cmd string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[cmd] = h
}

// ListenAndServe accepts connections until ctx is cancelled. A stale socket
// file from a previous run is removed first.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.log.Info("control socket listening", "path", s.socketPath)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.conns.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			defer conn.Close()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	session := &Session{conn: conn}
	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("control read", "error", err)
			}
			return
		}
		if frame.Type != TypeRequest || frame.Request == nil {
			// Input frames outside a prompt exchange are ignored.
			continue
		}

		req := frame.Request
		cmd := req.Cmd
		if cmd == "" && req.Line != "" {
			cmd = strings.Fields(req.Line)[0]
		}

		s.mu.Lock()
		handler, ok := s.handlers[cmd]
		s.mu.Unlock()
		if !ok {
			session.Result(false, 127, "", fmt.Sprintf("unknown command: %s", cmd), nil)
			continue
		}

		if err := handler(ctx, req, session); err != nil {
			s.log.Error("control command failed", "cmd", cmd, "error", err)
			session.Fail(err)
		}
	}
}
