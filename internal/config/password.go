package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ErrNoTerminal is returned when a password is needed but stdin is not a terminal.
var ErrNoTerminal = errors.New("no terminal available for interactive password prompt (set --password or AD_PASSWORD)")

// PromptPassword reads the bind password from the terminal with echo
// disabled when cfg.NeedsPassword reports one is missing.
func PromptPassword(cfg *Config, stdin *os.File, prompt io.Writer) error {
	if !cfg.NeedsPassword() {
		return nil
	}

	fd := int(stdin.Fd())
	if !term.IsTerminal(fd) {
		return ErrNoTerminal
	}

	fmt.Fprintf(prompt, "Password for %s: ", cfg.Username)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}

	cfg.Password = string(password)
	return nil
}
