package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/term"
)

// PromptPrivateKey asks for the signing key on an interactive terminal.
// It returns an empty string when stdin is not a terminal or nothing was entered,
// which leaves the session read-only.
func PromptPrivateKey() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", nil
	}

	fmt.Fprint(os.Stderr, "Private key (leave empty for read-only): ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", errors.Wrap(err, "read private key")
	}
	return strings.TrimSpace(string(raw)), nil
}
