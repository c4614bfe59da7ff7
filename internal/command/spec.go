// Package command turns user input into argument lists for container exec
// and carries them across the API as opaque base64 tokens.
package command

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ShellPath is the interpreter used when a command needs shell semantics.
const ShellPath = "/bin/sh"

var (
	// ErrInvalidCommand reports empty or malformed command input.
	ErrInvalidCommand = errors.New("command: invalid command")
	// ErrDecode reports a token that is not a valid encoding of a Spec.
	ErrDecode = errors.New("command: decode error")
)

// Spec is the decoded form of a command to run inside a project container.
type Spec struct {
	Args        []string
	WorkDir     string
	Env         map[string]string
	Shell       bool
	Interactive bool
	Timeout     time.Duration
}

// Script returns the shell script of a shell-wrapped spec.
func (s Spec) Script() string {
	if !s.Shell || len(s.Args) != 3 {
		return ""
	}
	return s.Args[2]
}

// EnvList renders the environment as KEY=VALUE pairs.
func (s Spec) EnvList() []string {
	if len(s.Env) == 0 {
		return nil
	}
	out := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		out = append(out, k+"="+v)
	}
	return out
}

// Validate checks the structural invariants of a spec.
func (s Spec) Validate() error {
	if len(s.Args) == 0 || s.Args[0] == "" {
		return fmt.Errorf("%w: argument list is empty", ErrInvalidCommand)
	}
	for i, arg := range s.Args {
		if err := checkText(arg); err != nil {
			return fmt.Errorf("%w: argument %d %s", ErrInvalidCommand, i, err)
		}
	}
	if s.Shell && !isShellInvocation(s.Args) {
		return fmt.Errorf("%w: shell command must be a single %s -c invocation", ErrInvalidCommand, ShellPath)
	}
	if err := checkText(s.WorkDir); err != nil {
		return fmt.Errorf("%w: working directory %s", ErrInvalidCommand, err)
	}
	for k, v := range s.Env {
		if k == "" {
			return fmt.Errorf("%w: environment key is empty", ErrInvalidCommand)
		}
		if strings.ContainsRune(k, '=') {
			return fmt.Errorf("%w: environment key %q contains '='", ErrInvalidCommand, k)
		}
		if err := checkText(k); err != nil {
			return fmt.Errorf("%w: environment key %s", ErrInvalidCommand, err)
		}
		if err := checkText(v); err != nil {
			return fmt.Errorf("%w: environment value for %q %s", ErrInvalidCommand, k, err)
		}
	}
	if s.Timeout < 0 {
		return fmt.Errorf("%w: timeout is negative", ErrInvalidCommand)
	}
	return nil
}

func isShellInvocation(args []string) bool {
	return len(args) == 3 && args[0] == ShellPath && args[1] == "-c" && args[2] != ""
}

// checkText rejects values that cannot survive an exec argv or a JSON text
// encoding unchanged.
func checkText(s string) error {
	if strings.IndexByte(s, 0) >= 0 {
		return errors.New("contains a NUL byte")
	}
	if !utf8.ValidString(s) {
		return errors.New("is not valid UTF-8")
	}
	return nil
}

// DecodeError describes why a token could not be decoded.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("command: decode error: %s: %v", e.Reason, e.Err)
	}
	return "command: decode error: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is lets errors.Is match DecodeError against ErrDecode.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }
