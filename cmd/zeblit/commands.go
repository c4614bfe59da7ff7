package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/genos-ai/zeblit-sub001/internal/agent"
	"github.com/genos-ai/zeblit-sub001/internal/command"
	apiclient "github.com/genos-ai/zeblit-sub001/pkg/api/client"
	jwtpkg "github.com/genos-ai/zeblit-sub001/pkg/jwt"
	"github.com/genos-ai/zeblit-sub001/pkg/logger"
)

// app holds the flags shared by every command.
type app struct {
	apiBase string
	token   string
	project string
	verbose bool
	out     io.Writer
	errOut  io.Writer
	// log writes diagnostics to errOut so stdout carries only command output.
	log *slog.Logger
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut, log: logger.NewWriter(errOut, "zeblit", slog.LevelWarn)}
	root := &cobra.Command{
		Use:   "zeblit",
		Short: "Work inside zeblit project containers",
		Long: `zeblit runs commands in a project's development container.

  zeblit exec -p <project> -- npm test        Run a command and wait
  zeblit exec -p <project> --stream 'make'    Stream output as it arrives
  zeblit shell -p <project>                   Open an interactive shell
  zeblit status -p <project>                  Show the container state
  zeblit agent engineer -p <project> "..."    Ask an agent`,
		Version:       buildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if a.verbose {
				a.log = logger.NewWriter(a.errOut, "zeblit", slog.LevelDebug)
			}
		},
	}
	flags := root.PersistentFlags()
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "log diagnostics to stderr")
	flags.StringVar(&a.apiBase, "api", os.Getenv("ZEBLIT_API"), "API base URL (default from config, then "+defaultAPIBaseURL+")")
	flags.StringVar(&a.token, "token", os.Getenv("ZEBLIT_TOKEN"), "access token (default from config)")
	flags.StringVarP(&a.project, "project", "p", os.Getenv("ZEBLIT_PROJECT"), "project id")

	root.AddCommand(
		a.loginCmd(),
		a.devTokenCmd(),
		a.encodeCmd(),
		a.execCmd(),
		a.shellCmd(),
		a.statusCmd(),
		a.startCmd(),
		a.stopCmd(),
		a.removeCmd(),
		a.logsCmd(),
		a.statsCmd(),
		a.envCmd(),
		a.historyCmd(),
		a.agentCmd(),
	)
	return root
}

// session resolves the API client, token and project for a command.
func (a *app) session(needProject bool) (*apiclient.Client, string, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", "", fmt.Errorf("load config: %w", err)
	}
	base := strings.TrimSpace(a.apiBase)
	if base == "" {
		base = cfg.APIBaseURL
	}
	token := strings.TrimSpace(a.token)
	if token == "" {
		token = cfg.AccessToken
	}
	if token == "" {
		return nil, "", "", errors.New("not logged in: run zeblit login --token <token> or set ZEBLIT_TOKEN")
	}
	project := strings.TrimSpace(a.project)
	if project == "" {
		project = cfg.DefaultProject
	}
	if needProject && project == "" {
		return nil, "", "", errors.New("--project is required")
	}
	client, err := apiclient.New(base)
	if err != nil {
		return nil, "", "", err
	}
	a.log.Debug("resolved session", "api", base, "project_id", project)
	return client, token, project, nil
}

func (a *app) loginCmd() *cobra.Command {
	var setDefault bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the API URL and access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(a.token) == "" {
				return errors.New("--token is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if a.apiBase != "" {
				cfg.APIBaseURL = strings.TrimSpace(a.apiBase)
			}
			cfg.AccessToken = strings.TrimSpace(a.token)
			if setDefault && a.project != "" {
				cfg.DefaultProject = a.project
			}
			if err := saveConfig(cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(a.out, "Saved credentials for %s\n", cfg.APIBaseURL)
			return nil
		},
	}
	cmd.Flags().BoolVar(&setDefault, "default-project", false, "remember --project as the default project")
	return cmd
}

// devTokenCmd signs a token locally with the server's secret, for
// development setups without an identity provider.
func (a *app) devTokenCmd() *cobra.Command {
	var (
		user   string
		secret string
		ttl    time.Duration
		save   bool
	)
	cmd := &cobra.Command{
		Use:   "dev-token",
		Short: "Sign an access token with a shared JWT secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := jwtpkg.GenerateToken(user, secret, ttl)
			if err != nil {
				return err
			}
			if save {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				cfg.AccessToken = token
				if err := saveConfig(cfg); err != nil {
					return fmt.Errorf("save config: %w", err)
				}
			}
			fmt.Fprintln(a.out, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id to issue the token for")
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "JWT signing secret")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&save, "save", false, "store the token in the config file")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// commandFlags are the options that shape an encoded command.
type commandFlags struct {
	workdir     string
	env         []string
	shell       bool
	interactive bool
	timeout     time.Duration
}

func (f *commandFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.workdir, "workdir", "w", "", "working directory inside the container")
	cmd.Flags().StringArrayVarP(&f.env, "env", "e", nil, "environment variable KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&f.shell, "sh", false, "always run through /bin/sh -c")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "execution budget (server default when zero)")
}

// encode turns command line arguments into a token. A single argument is
// parsed like typed input; several arguments are taken as the exact argv.
func (f *commandFlags) encode(args []string) (string, error) {
	opts := command.Options{
		WorkDir:     f.workdir,
		ForceShell:  f.shell,
		Interactive: f.interactive,
		Timeout:     f.timeout,
	}
	if len(f.env) > 0 {
		opts.Env = make(map[string]string, len(f.env))
		for _, kv := range f.env {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || key == "" {
				return "", fmt.Errorf("invalid --env %q, want KEY=VALUE", kv)
			}
			opts.Env[key] = value
		}
	}
	switch {
	case len(args) == 0:
		return "", errors.New("no command given")
	case len(args) == 1 || f.shell:
		return command.Encode(strings.Join(args, " "), opts)
	default:
		return command.EncodeArgs(args, opts)
	}
}

func (a *app) encodeCmd() *cobra.Command {
	var flags commandFlags
	cmd := &cobra.Command{
		Use:   "encode -- COMMAND [ARGS...]",
		Short: "Print the transport token for a command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := flags.encode(args)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, token)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&flags.interactive, "interactive", false, "mark the command as interactive")
	return cmd
}

func (a *app) execCmd() *cobra.Command {
	var (
		flags  commandFlags
		stream bool
		raw    bool
	)
	cmd := &cobra.Command{
		Use:   "exec -- COMMAND [ARGS...]",
		Short: "Run a command in the project container",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, token, project, err := a.session(true)
			if err != nil {
				return err
			}
			encoded := args[0]
			if !raw {
				if encoded, err = flags.encode(args); err != nil {
					return err
				}
			}
			ctx := cmd.Context()
			if stream {
				status, err := client.StreamExec(ctx, token, project, encoded, a.out)
				if err != nil {
					return err
				}
				return a.finish(status.ExitCode, status.Truncated, status.TimedOut)
			}
			res, err := client.Exec(ctx, token, project, encoded)
			if err != nil {
				return err
			}
			fmt.Fprint(a.out, res.Stdout)
			fmt.Fprint(a.errOut, res.Stderr)
			return a.finish(res.ExitCode, res.Truncated, res.TimedOut)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&stream, "stream", false, "stream combined output while the command runs")
	cmd.Flags().BoolVar(&raw, "raw", false, "treat the single argument as an already encoded token")
	return cmd
}

// timeoutExitCode matches timeout(1).
const timeoutExitCode = 124

func (a *app) finish(code int, truncated, timedOut bool) error {
	if truncated {
		fmt.Fprintln(a.errOut, "zeblit: output truncated")
	}
	if timedOut {
		fmt.Fprintln(a.errOut, "zeblit: command timed out")
		return exitCodeError(timeoutExitCode)
	}
	if code != 0 {
		return exitCodeError(code)
	}
	return nil
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the project container state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, token, project, err := a.session(true)
			if err != nil {
				return err
			}
			c, err := client.GetContainer(cmd.Context(), token, project)
			if err != nil {
				return err
			}
			a.printContainer(c)
			return nil
		},
	}
}

func (a *app) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the project container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, token, project, err := a.session(true)
			if err != nil {
				return err
			}
			c, err := client.StartContainer(cmd.Context(), token, project)
			if err != nil {
				return err
			}
			a.printContainer(c)
			return nil
		},
	}
}

func (a *app) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the project container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, token, project, err := a.session(true)
			if err != nil {
				return err
			}
			c, err := client.StopContainer(cmd.Context(), token, project)
			if err != nil {
				return err
			}
			a.printContainer(c)
			return nil
		},
	}
}

func (a *app) removeCmd() *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "rm",
		Short: "Remove the project container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, token, project, err := a.session(true)
			if err != nil {
				return err
			}
			if err := client.DeleteContainer(cmd.Context(), token, project, purge); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Container removed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "also delete the project workspace")
	return cmd
}

func (a *app) printContainer(c apiclient.Container) {
	tw := tabwriter.NewWriter(a.out, 0, 2, 2, ' ', 0)
	fmt.Fprintf(tw, "PROJECT\t%s\n", c.ProjectID)
	fmt.Fprintf(tw, "STATE\t%s\n", c.State)
	if c.ContainerID != "" {
		fmt.Fprintf(tw, "CONTAINER\t%s\n", c.ContainerID)
	}
	if c.Ports != "" {
		fmt.Fprintf(tw, "PORTS\t%s\n", c.Ports)
	}
	if c.CPUPercent != nil {
		fmt.Fprintf(tw, "CPU\t%.1f%%\n", *c.CPUPercent)
	}
	if c.MemoryBytes != nil {
		fmt.Fprintf(tw, "MEMORY\t%d MiB\n", *c.MemoryBytes>>20)
	}
	if c.LastActivityAt != "" {
		fmt.Fprintf(tw, "LAST ACTIVITY\t%s\n", c.LastActivityAt)
	}
	if c.LastError != "" {
		fmt.Fprintf(tw, "LAST ERROR\t%s\n", c.LastError)
	}
	_ = tw.Flush()
}

func (a *app) logsCmd() *cobra.Command {
	var tail int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print recent container output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, token, project, err := a.session(true)
			if err != nil {
				return err
			}
			out, err := client.Logs(cmd.Context(), token, project, tail)
			if err != nil {
				return err
			}
			fmt.Fprint(a.out, out)
			return nil
		},
	}
	cmd.Flags().IntVarP(&tail, "tail", "n", 200, "number of lines")
	return cmd
}

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show container resource usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, token, project, err := a.session(true)
			if err != nil {
				return err
			}
			s, err := client.Stats(cmd.Context(), token, project)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.out, 0, 2, 2, ' ', 0)
			fmt.Fprintf(tw, "CPU\t%.1f%%\n", s.CPUPercent)
			fmt.Fprintf(tw, "MEMORY\t%d / %d MiB\n", s.MemoryBytes>>20, s.MemoryLimit>>20)
			fmt.Fprintf(tw, "NET RX\t%d B\n", s.NetworkRxBytes)
			fmt.Fprintf(tw, "NET TX\t%d B\n", s.NetworkTxBytes)
			return tw.Flush()
		},
	}
}

func (a *app) envCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Manage project environment variables",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List environment variables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, token, project, err := a.session(true)
			if err != nil {
				return err
			}
			vars, err := client.ListEnvVars(cmd.Context(), token, project)
			if err != nil {
				return err
			}
			for _, v := range vars {
				fmt.Fprintf(a.out, "%s=%s\n", v.Key, v.Value)
			}
			return nil
		},
	}, &cobra.Command{
		Use:   "set KEY=VALUE",
		Short: "Set an environment variable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value, ok := strings.Cut(args[0], "=")
			if !ok {
				return fmt.Errorf("expected KEY=VALUE, got %q", args[0])
			}
			client, token, project, err := a.session(true)
			if err != nil {
				return err
			}
			return client.SetEnvVar(cmd.Context(), token, project, apiclient.EnvVar{Key: key, Value: value})
		},
	})
	return cmd
}

func (a *app) historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, token, project, err := a.session(true)
			if err != nil {
				return err
			}
			list, err := client.ListExecutions(cmd.Context(), token, project, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.out, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tOUTCOME\tEXIT\tDURATION\tCOMMAND")
			for _, e := range list {
				exit := "-"
				if e.ExitCode != nil {
					exit = fmt.Sprint(*e.ExitCode)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.0fms\t%s\n", e.StartedAt, e.Outcome, exit, e.DurationMS, strings.Join(e.Args, " "))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	return cmd
}

func (a *app) agentCmd() *cobra.Command {
	var asJSON bool
	names := make([]string, 0, len(agent.Kinds()))
	for _, k := range agent.Kinds() {
		names = append(names, k.String())
	}
	cmd := &cobra.Command{
		Use:       "agent KIND PROMPT...",
		Short:     "Ask a development agent",
		Long:      "Ask a development agent. Kinds: " + strings.Join(names, ", "),
		Args:      cobra.MinimumNArgs(2),
		ValidArgs: names,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := agent.ParseKind(args[0])
			if err != nil {
				return err
			}
			client, token, project, err := a.session(true)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			resp, err := client.AskAgent(ctx, token, project, kind.String(), strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			fmt.Fprintln(a.out, strings.TrimSpace(resp.Text))
			if len(resp.Suggestions) > 0 {
				fmt.Fprintln(a.out, "\nSuggested commands (run with zeblit exec --raw <token>):")
				for _, s := range resp.Suggestions {
					fmt.Fprintf(a.out, "  %s\n    %s\n", s.Command, s.Token)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw response")
	return cmd
}
