package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"thk/internal/client"
	"thk/internal/control"
	"thk/internal/domain"
	"thk/internal/executor"
	"thk/internal/policy"

	"github.com/spf13/cobra"
)

// Exit codes of validate and exec; 0 to 3 follow the decision.
const (
	exitOK          = 0
	exitBlocked     = 1
	exitRateLimited = 2
	exitInvalid     = 3
	exitUnavailable = 4
)

func exitCodeFor(o domain.Outcome) int {
	switch o {
	case domain.OutcomeOK:
		return exitOK
	case domain.OutcomeBlocked:
		return exitBlocked
	case domain.OutcomeRateLimited:
		return exitRateLimited
	default:
		return exitInvalid
	}
}

func dialDaemon(ctx context.Context) (*client.Client, error) {
	path := resolveSocketPath()
	c, err := client.Dial(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable (is 'thk daemon' running?): %w", err)
	}
	return c, nil
}

// withClient runs fn against a fresh connection.
func withClient(fn func(ctx context.Context, c *client.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), client.DefaultTimeout)
	defer cancel()
	c, err := dialDaemon(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show CLI and daemon versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "thk CLI version %s\n", version)
			err := withClient(func(ctx context.Context, c *client.Client) error {
				v, err := c.Version(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "daemon version %s\n", domain.VersionString(v))
				return nil
			})
			if err != nil {
				fmt.Fprintln(out, "daemon: not running")
			}
			return nil
		},
	}
}

type flagOptions struct {
	audit  bool
	dryRun bool
	force  bool
}

func (o flagOptions) flags() domain.Flags {
	var f domain.Flags
	if o.audit {
		f |= domain.FlagAudit
	}
	if o.dryRun {
		f |= domain.FlagDryRun
	}
	if o.force {
		f |= domain.FlagForce
	}
	return f
}

func (o *flagOptions) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.audit, "audit", o.audit, "request an audit record for this decision")
	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "mark the request as a dry run")
	cmd.Flags().BoolVar(&o.force, "force", false, "mark the request as forced (admin only)")
}

func validateCmd() *cobra.Command {
	var opts flagOptions
	cmd := &cobra.Command{
		Use:   "validate [flags] -- COMMAND...",
		Short: "Ask the daemon whether a command may run",
		Long:  "Prints the decision. Exit status: 0 allowed, 1 blocked, 2 rate limited, 3 invalid, 4 daemon unavailable.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args, " ")
			var res domain.ValidationResult
			err := withClient(func(ctx context.Context, c *client.Client) error {
				var err error
				res, err = c.Validate(ctx, command, opts.flags())
				return err
			})
			if err != nil {
				return &exitError{code: exitUnavailable, msg: err.Error()}
			}
			printResult(cmd.OutOrStdout(), res)
			if code := exitCodeFor(res.Outcome); code != exitOK {
				return &exitError{code: code}
			}
			return nil
		},
	}
	opts.bind(cmd)
	return cmd
}

func printResult(w io.Writer, res domain.ValidationResult) {
	if res.Reason != "" {
		fmt.Fprintln(w, res.Reason)
		return
	}
	fmt.Fprintln(w, res.Outcome)
}

func execCmd() *cobra.Command {
	opts := flagOptions{audit: true}
	var allowUnvalidated bool
	cmd := &cobra.Command{
		Use:   "exec [flags] -- COMMAND...",
		Short: "Validate a command and run it if allowed",
		Long: `Validates the command (with the audit flag set) and runs it through the
configured shell only when the daemon allows it. The exit status is the
command's own, or the validate exit status when it was refused.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			command := strings.Join(args, " ")

			var res domain.ValidationResult
			err = withClient(func(ctx context.Context, c *client.Client) error {
				var err error
				res, err = c.Validate(ctx, command, opts.flags())
				return err
			})
			switch {
			case err != nil && !allowUnvalidated:
				return &exitError{code: exitUnavailable, msg: err.Error() + " (use --allow-unvalidated to run anyway)"}
			case err != nil:
				fmt.Fprintln(cmd.ErrOrStderr(), "thk: warning: running without validation:", err)
			case res.Outcome != domain.OutcomeOK:
				msg := res.Outcome.String()
				if res.Reason != "" {
					msg = res.Reason
				}
				return &exitError{code: exitCodeFor(res.Outcome), msg: "refused: " + msg}
			}
			if opts.dryRun {
				verdict := "allowed"
				if err != nil {
					verdict = "not validated"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (dry run, not executed)\n", verdict)
				return nil
			}

			sh := executor.New(executor.Config{
				Shell:          cfg.Exec.Shell,
				Timeout:        time.Duration(cfg.Exec.Timeout) * time.Second,
				MaxOutputBytes: cfg.Exec.MaxOutputBytes,
				Logger:         logger,
			})
			out, err := sh.Run(cmd.Context(), command)
			io.WriteString(cmd.OutOrStdout(), out.Output)
			if err != nil {
				if errors.Is(err, executor.ErrTimeout) {
					return &exitError{code: 124, msg: err.Error()}
				}
				return err
			}
			if out.ExitCode != 0 {
				return &exitError{code: out.ExitCode}
			}
			return nil
		},
	}
	opts.bind(cmd)
	cmd.Flags().BoolVar(&allowUnvalidated, "allow-unvalidated", false, "run the command even when the daemon cannot be reached")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon statistics and configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				st, err := c.Stats(ctx)
				if err != nil {
					return err
				}
				pc, err := c.Config(ctx)
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), st, pc)
				return nil
			})
		},
	}
}

func printStatus(w io.Writer, st domain.Stats, pc domain.PolicyConfig) {
	fmt.Fprintln(w, "Statistics:")
	fmt.Fprintf(w, "  requests:     %d\n", st.TotalRequests)
	fmt.Fprintf(w, "  allowed:      %d\n", st.TotalAllowed)
	fmt.Fprintf(w, "  blocked:      %d\n", st.TotalBlocked)
	fmt.Fprintf(w, "  rate_limited: %d\n", st.TotalRateLimited)
	fmt.Fprintf(w, "  invalid:      %d\n", st.TotalInvalid)
	fmt.Fprintf(w, "  uptime:       %d seconds\n", st.UptimeSeconds)

	audit := "disabled"
	if pc.AuditEnabled {
		audit = "enabled"
	}
	fmt.Fprintln(w, "\nConfiguration:")
	fmt.Fprintf(w, "  audit:      %s\n", audit)
	fmt.Fprintf(w, "  rate_limit: %d req/min\n", pc.RateLimit)
	fmt.Fprintf(w, "  blocklist:  %d patterns\n", pc.BlocklistCount)
}

func statsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the decision counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				st, err := c.Stats(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), st)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requests=%d allowed=%d blocked=%d rate_limited=%d invalid=%d uptime_secs=%d\n",
					st.TotalRequests, st.TotalAllowed, st.TotalBlocked, st.TotalRateLimited, st.TotalInvalid, st.UptimeSeconds)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func blocklistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blocklist",
		Short: "Inspect or replace the daemon's blocklist",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the active patterns, one per line",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				list, err := c.Blocklist(ctx)
				if err != nil {
					return err
				}
				for _, p := range list {
					fmt.Fprintln(cmd.OutOrStdout(), p)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "load [policy.yaml]",
		Short: "Replace the blocklist from a YAML policy file (admin only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := policy.LoadFile(args[0])
			if err != nil {
				return err
			}
			patterns := f.BlocklistPatterns()
			return withClient(func(ctx context.Context, c *client.Client) error {
				if err := c.SetBlocklist(ctx, patterns); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "blocklist replaced: %d patterns\n", len(patterns))
				if f.AuditEnabled == nil && f.RateLimit == nil {
					return nil
				}
				pc, err := c.SetConfig(ctx, control.ConfigArgs{AuditEnabled: f.AuditEnabled, RateLimit: f.RateLimit})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "policy updated: audit_enabled=%t rate_limit=%d\n", pc.AuditEnabled, pc.RateLimit)
				return nil
			})
		},
	})

	return cmd
}
