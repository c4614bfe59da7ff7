// Package agent dispatches development questions to role specific agents
// backed by a hosted language model.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/genos-ai/zeblit-sub001/internal/command"
	"github.com/genos-ai/zeblit-sub001/internal/domain"
)

const (
	defaultMaxTokens = 2048
	inspectTimeout   = 15 * time.Second
	maxInspectOutput = 8 << 10
)

var (
	// ErrEmptyPrompt is returned for requests without a prompt.
	ErrEmptyPrompt = errors.New("agent: prompt is required")
	// ErrNoCompleter is returned when no model backend is configured.
	ErrNoCompleter = errors.New("agent: no completion backend configured")
)

// Completion is one call to the language model.
type Completion struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Completer turns a completion request into model text.
type Completer interface {
	Complete(ctx context.Context, c Completion) (string, error)
}

// Runner executes commands in a project's container. Agents use it to
// gather workspace context before asking the model.
type Runner interface {
	Run(ctx context.Context, projectID string, spec command.Spec) (domain.ExecutionResult, error)
}

// Request asks an agent a question about a project.
type Request struct {
	ProjectID string
	Prompt    string
}

// Suggestion is a shell command proposed by an agent, encoded so clients
// can submit it to the exec endpoint unchanged.
type Suggestion struct {
	Command string `json:"command"`
	Token   string `json:"token"`
}

// Response is an agent's answer.
type Response struct {
	Kind        Kind         `json:"kind"`
	Text        string       `json:"text"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
}

type handler struct {
	system string
	// inspect, when set, runs in the project container and its output is
	// appended to the prompt.
	inspect []string
}

var handlers = [kindCount]handler{
	KindDevManager: {
		system: "You are the development manager of a software project. Break the request into small, ordered tasks and name which role should handle each.",
	},
	KindProductManager: {
		system: "You are a product manager. Turn the request into user stories with acceptance criteria. Do not write code.",
	},
	KindArchitect: {
		system:  "You are a software architect. Propose a structure for the request that fits the existing workspace, with components and their responsibilities.",
		inspect: []string{"find", ".", "-maxdepth", "2", "-not", "-path", "./.git*"},
	},
	KindEngineer: {
		system:  "You are a senior engineer pairing on this workspace. Answer with concrete code changes. Put shell commands to run in ```sh fenced blocks.",
		inspect: []string{"find", ".", "-maxdepth", "3", "-type", "f", "-not", "-path", "./.git/*"},
	},
	KindDataAnalyst: {
		system: "You are a data analyst. Explain how to load, inspect and summarize the data the request refers to. Put shell commands to run in ```sh fenced blocks.",
	},
	KindPlatformEngineer: {
		system:  "You are a platform engineer responsible for the project's development container. Diagnose build and runtime problems. Put shell commands to run in ```sh fenced blocks.",
		inspect: []string{command.ShellPath, "-c", "uname -a; df -h .; ls -la"},
	},
}

// Dispatcher routes requests to agents.
type Dispatcher struct {
	completer Completer
	runner    Runner
	maxTokens int
	logger    *slog.Logger
}

// NewDispatcher builds a dispatcher. runner may be nil, in which case agents
// answer without workspace context.
func NewDispatcher(completer Completer, runner Runner, maxTokens int, logger *slog.Logger) *Dispatcher {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if logger != nil {
		logger = logger.With("component", "agent")
	}
	return &Dispatcher{completer: completer, runner: runner, maxTokens: maxTokens, logger: logger}
}

// Dispatch asks the agent of the given kind.
func (d *Dispatcher) Dispatch(ctx context.Context, kind Kind, req Request) (Response, error) {
	if !kind.Valid() {
		return Response{}, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(kind))
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return Response{}, ErrEmptyPrompt
	}
	if d.completer == nil {
		return Response{}, ErrNoCompleter
	}
	h := handlers[kind]

	prompt := req.Prompt
	if len(h.inspect) > 0 && d.runner != nil && req.ProjectID != "" {
		if workspace := d.inspect(ctx, req.ProjectID, h.inspect); workspace != "" {
			prompt = fmt.Sprintf("%s\n\nWorkspace context (output of `%s`):\n%s", req.Prompt, strings.Join(h.inspect, " "), workspace)
		}
	}

	started := time.Now()
	text, err := d.completer.Complete(ctx, Completion{System: h.system, Prompt: prompt, MaxTokens: d.maxTokens})
	if err != nil {
		return Response{}, fmt.Errorf("agent %s: %w", kind, err)
	}
	if d.logger != nil {
		d.logger.Info("agent answered", "kind", kind.String(), "project_id", req.ProjectID, "duration", time.Since(started))
	}
	return Response{Kind: kind, Text: text, Suggestions: suggestions(text)}, nil
}

func (d *Dispatcher) inspect(ctx context.Context, projectID string, args []string) string {
	spec := command.Spec{Args: args, Shell: args[0] == command.ShellPath, Timeout: inspectTimeout}
	result, err := d.runner.Run(ctx, projectID, spec)
	if err != nil {
		if d.logger != nil {
			d.logger.Warn("agent workspace inspect failed", "project_id", projectID, "error", err)
		}
		return ""
	}
	out := result.Stdout
	if len(out) > maxInspectOutput {
		out = out[:maxInspectOutput]
	}
	return strings.TrimSpace(out)
}

var fencedShell = regexp.MustCompile("(?s)```(?:sh|bash|shell)\\n(.*?)```")

// suggestions extracts fenced shell blocks as encoded command tokens. Each
// non-empty, non-comment line is one command.
func suggestions(text string) []Suggestion {
	var out []Suggestion
	for _, match := range fencedShell.FindAllStringSubmatch(text, -1) {
		for _, line := range strings.Split(match[1], "\n") {
			line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "$ "))
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			token, err := command.Encode(line, command.Options{})
			if err != nil {
				continue
			}
			out = append(out, Suggestion{Command: line, Token: token})
		}
	}
	return out
}
