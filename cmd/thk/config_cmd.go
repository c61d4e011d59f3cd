package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"thk/internal/config"
	"thk/internal/server"

	"github.com/spf13/cobra"
)

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify the configuration file",
		Long:  "Get, set, and show configuration values. Changes are saved to the config file and take effect on the next daemon start; use the control surface for live policy changes.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. policy.rateLimit)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), val)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. server.socketMode 0660)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s updated in %s\n", args[0], cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), config.Sanitize(cfg))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "paths",
		Short: "List every settable config path",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			paths := config.ListPaths(config.Sanitize(cfg))
			for _, p := range slices.Sorted(maps.Keys(paths)) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", p, paths[p])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolveConfigPath())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfgPath)
			return nil
		},
	})

	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage HTTP bearer tokens",
	}

	var (
		uid  uint32
		role string
		ttl  time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Mint a token signed with http.jwtSecret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.HTTP.JWTSecret == "" {
				return fmt.Errorf("http.jwtSecret is not set in %s", resolveConfigPath())
			}
			if ttl <= 0 {
				ttl = time.Duration(cfg.HTTP.TokenTTLHours) * time.Hour
			}
			tok, err := server.IssueToken(uid, role, []byte(cfg.HTTP.JWTSecret), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	issue.Flags().Uint32Var(&uid, "uid", 0, "identity the token speaks for")
	issue.Flags().StringVar(&role, "role", server.RoleUser, "admin or user")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "lifetime (default: http.tokenTTLHours)")
	issue.MarkFlagRequired("uid")
	cmd.AddCommand(issue)

	return cmd
}
