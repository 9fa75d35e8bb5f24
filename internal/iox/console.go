package iox

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

// ErrNoTTY is returned by NewConsoleBackend if standard input is not a terminal.
var ErrNoTTY = errors.New("iox: not a tty")

// ConsoleBackend is a SerialBackend that reads and writes the operator's own terminal, put into raw
// mode for the duration of the attachment. It is the real-device end of §4.M's present-a-frame-or-
// fall-back decision: grounded on the teacher's internal/tty.Console, which makes the identical
// decision (term.IsTerminal) about the host terminal rather than a domain's stdin/stdout frames.
type ConsoleBackend struct {
	fd    int
	saved *term.State
	in    *bufio.Reader
	out   *os.File
}

// NewConsoleBackend puts stdin into raw mode and returns a backend reading and writing it. Restore
// must be called to return the terminal to cooked mode.
func NewConsoleBackend() (*ConsoleBackend, error) {
	fd := int(os.Stdin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTTY, err)
	}

	return &ConsoleBackend{
		fd:    fd,
		saved: saved,
		in:    bufio.NewReader(os.Stdin),
		out:   os.Stdout,
	}, nil
}

// GetChar reads a single byte from the terminal.
func (c *ConsoleBackend) GetChar() (byte, error) {
	return c.in.ReadByte()
}

// PutString writes s to the terminal.
func (c *ConsoleBackend) PutString(s string) error {
	_, err := c.out.WriteString(s)
	return err
}

// Restore returns the terminal to its original (cooked) mode.
func (c *ConsoleBackend) Restore() error {
	return term.Restore(c.fd, c.saved)
}
