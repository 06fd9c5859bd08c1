// Package util holds terminal helpers shared by fluxgatectl commands.
package util

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNotInteractive is returned when a prompt is needed but stdin is not a
// terminal
var ErrNotInteractive = errors.New("stdin is not a terminal")

// MaskToken keeps the first and last four characters of a token
func MaskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}

// IsInteractive returns true if stdin is a terminal
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// ReadSecret prompts on out and reads one line from the terminal without
// echoing it.
func ReadSecret(out io.Writer, prompt string) (string, error) {
	if !IsInteractive() {
		return "", ErrNotInteractive
	}
	_, _ = fmt.Fprint(out, prompt)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	_, _ = fmt.Fprintln(out)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(secret)), nil
}
