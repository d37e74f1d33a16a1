package app

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
)

var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

// readPasscode reads one passcode either as a line from stdin
// (--passcode-stdin) or from a no-echo terminal prompt. Passcodes are never
// accepted as flag values.
func (s *runtimeState) readPasscode(prompt string) (string, error) {
	if s.passcodeStdin {
		if s.stdinLines == nil {
			s.stdinLines = bufio.NewReader(s.runner.stdin)
		}
		line, err := s.stdinLines.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", clierr.New(clierr.CodeUsage, "expected a passcode line on stdin")
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fd := int(os.Stdin.Fd())
	if !isTerminal(fd) {
		return "", clierr.New(clierr.CodeUsage, "stdin is not a terminal; pass --passcode-stdin to pipe the passcode")
	}
	_, _ = fmt.Fprint(s.runner.stderr, prompt)
	buf, err := readPassword(fd)
	_, _ = fmt.Fprintln(s.runner.stderr)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUsage, "read passcode", err)
	}
	return string(buf), nil
}

// readNewPasscode asks twice on a terminal so a typo does not lock the
// wallet. Piped input is trusted as given.
func (s *runtimeState) readNewPasscode(prompt string) (string, error) {
	first, err := s.readPasscode(prompt)
	if err != nil || s.passcodeStdin {
		return first, err
	}
	second, err := s.readPasscode("Repeat passcode: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", clierr.New(clierr.CodeUsage, "passcodes do not match")
	}
	return first, nil
}
