package command

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

const tokenVersion = 1

// metaChars are the bytes that make raw input need a real shell: operators,
// redirections, substitutions, globbing, grouping and comments.
const metaChars = "|&;<>()$`*?[]{}~#\n\r"

// Options carries the optional parts of a command alongside the raw input.
type Options struct {
	WorkDir     string
	Env         map[string]string
	ForceShell  bool
	Interactive bool
	Timeout     time.Duration
}

type envelope struct {
	Version     int               `json:"v"`
	Args        []string          `json:"args"`
	WorkDir     string            `json:"workdir,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Shell       bool              `json:"shell,omitempty"`
	Interactive bool              `json:"interactive,omitempty"`
	TimeoutMS   int64             `json:"timeout_ms,omitempty"`
}

// Parse classifies raw input and builds its Spec. Single-line input without
// shell metacharacters is split into words with POSIX quoting rules and no
// expansion; anything else runs as a /bin/sh -c script, byte for byte.
func Parse(raw string, opts Options) (Spec, error) {
	if strings.TrimSpace(raw) == "" {
		return Spec{}, fmt.Errorf("%w: command is empty", ErrInvalidCommand)
	}
	spec := Spec{
		WorkDir:     opts.WorkDir,
		Env:         opts.Env,
		Interactive: opts.Interactive,
		Timeout:     opts.Timeout,
	}
	if opts.ForceShell || NeedsShell(raw) {
		spec.Args = []string{ShellPath, "-c", raw}
		spec.Shell = true
	} else {
		args, err := shellwords.Parse(raw)
		switch {
		case err != nil:
			// unbalanced quotes: the shell reports the syntax error itself
			spec.Args = []string{ShellPath, "-c", raw}
			spec.Shell = true
		case len(args) == 0:
			return Spec{}, fmt.Errorf("%w: command is empty", ErrInvalidCommand)
		case strings.ContainsRune(args[0], '='):
			// leading VAR=value assignments are shell syntax
			spec.Args = []string{ShellPath, "-c", raw}
			spec.Shell = true
		default:
			spec.Args = args
		}
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// NeedsShell reports whether raw input must be interpreted by a shell.
func NeedsShell(raw string) bool {
	return strings.ContainsAny(raw, metaChars)
}

// Encode classifies raw input and returns its transport token.
func Encode(raw string, opts Options) (string, error) {
	spec, err := Parse(raw, opts)
	if err != nil {
		return "", err
	}
	return EncodeSpec(spec)
}

// EncodeArgs encodes an explicit argument list. The list is passed to exec as
// is: it is never re-split or wrapped in a shell.
func EncodeArgs(args []string, opts Options) (string, error) {
	spec := Spec{
		Args:        append([]string(nil), args...),
		WorkDir:     opts.WorkDir,
		Env:         opts.Env,
		Interactive: opts.Interactive,
		Timeout:     opts.Timeout,
	}
	return EncodeSpec(spec)
}

// EncodeSpec validates spec and serializes it to a base64 token.
func EncodeSpec(spec Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	payload, err := json.Marshal(envelope{
		Version:     tokenVersion,
		Args:        spec.Args,
		WorkDir:     spec.WorkDir,
		Env:         spec.Env,
		Shell:       spec.Shell,
		Interactive: spec.Interactive,
		TimeoutMS:   timeoutMS(spec.Timeout),
	})
	if err != nil {
		return "", fmt.Errorf("command: marshal token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

// Decode reverses EncodeSpec. Tokens in the URL-safe alphabet are accepted too.
func Decode(token string) (Spec, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Spec{}, &DecodeError{Reason: "empty token"}
	}
	payload, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		var urlErr error
		payload, urlErr = base64.URLEncoding.DecodeString(token)
		if urlErr != nil {
			return Spec{}, &DecodeError{Reason: "invalid base64", Err: err}
		}
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Spec{}, &DecodeError{Reason: "invalid payload", Err: err}
	}
	if env.Version != tokenVersion {
		return Spec{}, &DecodeError{Reason: fmt.Sprintf("unsupported token version %d", env.Version)}
	}
	if env.TimeoutMS < 0 {
		return Spec{}, fmt.Errorf("%w: timeout is negative", ErrInvalidCommand)
	}
	spec := Spec{
		Args:        env.Args,
		WorkDir:     env.WorkDir,
		Env:         env.Env,
		Shell:       env.Shell,
		Interactive: env.Interactive,
		Timeout:     time.Duration(env.TimeoutMS) * time.Millisecond,
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// timeoutMS rounds positive sub-millisecond remainders up so that a set
// timeout never encodes as zero, which means no timeout.
func timeoutMS(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}
