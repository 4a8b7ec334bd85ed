// vaulthalla-cli speaks the daemon's control socket: it sends one request
// frame, streams output frames to the terminal, answers prompts from stdin,
// and exits with the result's exit code.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/vaulthalla/vaulthalla/internal/control"
)

var version = "dev"

func main() {
	socketPath := flag.String("socket", "/run/vaulthalla.sock", "daemon control socket")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("vaulthalla-cli %s\n", version)
		os.Exit(0)
	}

	argv := flag.Args()
	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "usage: vaulthalla-cli [-socket path] <command> [args...]")
		os.Exit(2)
	}

	conn, err := net.Dial("unix", *socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot reach daemon at %s: %v\n", *socketPath, err)
		os.Exit(1)
	}
	defer conn.Close()

	interactive := isTerminal()
	req := &control.RequestFrame{
		Cmd:         argv[0],
		Args:        argv[1:],
		Argv:        argv,
		Line:        strings.Join(argv, " "),
		Interactive: interactive,
	}
	if err := control.WriteFrame(conn, &control.Frame{Type: control.TypeRequest, Request: req}); err != nil {
		fmt.Fprintf(os.Stderr, "send request: %v\n", err)
		os.Exit(1)
	}

	stdin := bufio.NewReader(os.Stdin)
	for {
		frame, err := control.ReadFrame(conn)
		if err != nil {
			fmt.Fprintf(os.Stderr, "connection lost: %v\n", err)
			os.Exit(1)
		}

		switch frame.Type {
		case control.TypeOutput:
			if frame.Output.Stream == "stderr" {
				fmt.Fprint(os.Stderr, frame.Output.Text)
			} else {
				fmt.Fprint(os.Stdout, frame.Output.Text)
			}

		case control.TypePrompt:
			value, err := answerPrompt(stdin, frame.Prompt, interactive)
			if err != nil {
				fmt.Fprintf(os.Stderr, "prompt: %v\n", err)
				os.Exit(1)
			}
			input := &control.Frame{Type: control.TypeInput, Input: &control.InputFrame{ID: frame.Prompt.ID, Value: value}}
			if err := control.WriteFrame(conn, input); err != nil {
				fmt.Fprintf(os.Stderr, "send input: %v\n", err)
				os.Exit(1)
			}

		case control.TypeResult:
			r := frame.Result
			if r.Stdout != "" {
				fmt.Fprint(os.Stdout, r.Stdout)
			}
			if r.Stderr != "" {
				fmt.Fprint(os.Stderr, r.Stderr)
				if !strings.HasSuffix(r.Stderr, "\n") {
					fmt.Fprintln(os.Stderr)
				}
			}
			os.Exit(r.ExitCode)
		}
	}
}

func answerPrompt(stdin *bufio.Reader, p *control.PromptFrame, interactive bool) (string, error) {
	if !interactive {
		return p.Default, nil
	}

	switch p.Style {
	case "confirm":
		suffix := "[y/N]"
		if strings.EqualFold(p.Default, "y") {
			suffix = "[Y/n]"
		}
		fmt.Fprintf(os.Stderr, "%s %s ", p.Text, suffix)
	default:
		if p.Default != "" {
			fmt.Fprintf(os.Stderr, "%s [%s]: ", p.Text, p.Default)
		} else {
			fmt.Fprintf(os.Stderr, "%s: ", p.Text)
		}
	}

	line, err := stdin.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return p.Default, nil
	}
	return line, nil
}

func isTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
