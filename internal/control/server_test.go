package control

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func startTestServer(t *testing.T) (string, *Server, context.CancelFunc) {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "ctl.sock")
	srv := NewServer(socket, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	go srv.ListenAndServe(ctx)

	// Wait for the socket to appear.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", socket); err == nil {
			conn.Close()
			return socket, srv, cancel
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	t.Fatal("control socket never came up")
	return "", nil, nil
}

func TestServer_DispatchAndResult(t *testing.T) {
	socket, srv, cancel := startTestServer(t)
	defer cancel()

	srv.Handle("status", func(ctx context.Context, req *RequestFrame, session *Session) error {
		if err := session.Output("all good\n", "stdout"); err != nil {
			return err
		}
		return session.Result(true, 0, "", "", map[string]string{"state": "ok"})
	})

	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	err = WriteFrame(conn, &Frame{Type: TypeRequest, Request: &RequestFrame{Cmd: "status"}})
	if err != nil {
		t.Fatalf("write request: %v", err)
	}

	out, err := ReadFrame(conn)
	if err != nil || out.Type != TypeOutput || out.Output.Text != "all good\n" {
		t.Fatalf("output frame = %+v, %v", out, err)
	}
	result, err := ReadFrame(conn)
	if err != nil || result.Type != TypeResult {
		t.Fatalf("result frame = %+v, %v", result, err)
	}
	if !result.Result.OK || result.Result.ExitCode != 0 {
		t.Errorf("result = %+v", result.Result)
	}
}

func TestServer_UnknownCommand(t *testing.T) {
	socket, _, cancel := startTestServer(t)
	defer cancel()

	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	WriteFrame(conn, &Frame{Type: TypeRequest, Request: &RequestFrame{Cmd: "bogus"}})
	result, err := ReadFrame(conn)
	if err != nil || result.Type != TypeResult {
		t.Fatalf("frame = %+v, %v", result, err)
	}
	if result.Result.OK || result.Result.ExitCode != 127 {
		t.Errorf("unknown command result = %+v", result.Result)
	}
}

func TestServer_CmdFromLine(t *testing.T) {
	socket, srv, cancel := startTestServer(t)
	defer cancel()

	called := make(chan string, 1)
	srv.Handle("vault", func(ctx context.Context, req *RequestFrame, session *Session) error {
		called <- req.Line
		return session.Result(true, 0, "", "", nil)
	})

	conn, _ := net.Dial("unix", socket)
	defer conn.Close()
	WriteFrame(conn, &Frame{Type: TypeRequest, Request: &RequestFrame{Line: "vault list"}})

	select {
	case line := <-called:
		if line != "vault list" {
			t.Errorf("line = %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never called")
	}
	ReadFrame(conn)
}
