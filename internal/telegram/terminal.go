package telegram

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// TerminalAuth prompts on the controlling terminal for the login code and,
// when Telegram asks for it, the 2FA password (read without echo).
type TerminalAuth struct {
	In  io.Reader
	Out io.Writer
}

func NewTerminalAuth() *TerminalAuth {
	return &TerminalAuth{In: os.Stdin, Out: os.Stdout}
}

func (t *TerminalAuth) Code(_ context.Context) (string, error) {
	fmt.Fprint(t.Out, "Enter the login code sent by Telegram: ")
	reader := bufio.NewReader(t.In)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read login code: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (t *TerminalAuth) Password(_ context.Context) (string, error) {
	fmt.Fprint(t.Out, "Enter your 2FA password: ")
	if f, ok := t.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(t.Out)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(pw), nil
	}
	reader := bufio.NewReader(t.In)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}
