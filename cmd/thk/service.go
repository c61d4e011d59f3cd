package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

const (
	serviceName        = "thk"
	defaultSystemdUnit = "/etc/systemd/system"
)

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Install or remove the systemd unit for the daemon",
	}

	var unitDir string
	install := &cobra.Command{
		Use:   "install",
		Short: "Install thk as a systemd service",
		Long:  "Writes a systemd unit that runs 'thk daemon' at boot with the current config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runtime.GOOS != "linux" {
				return fmt.Errorf("unsupported OS: %s (supported: linux)", runtime.GOOS)
			}
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			return installSystemd(cmd.OutOrStdout(), unitDir, execPath, resolveConfigPath())
		},
	}
	install.Flags().StringVar(&unitDir, "unit-dir", defaultSystemdUnit, "directory for the unit file")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the systemd service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return uninstallSystemd(cmd.OutOrStdout(), unitDir)
		},
	}
	uninstall.Flags().StringVar(&unitDir, "unit-dir", defaultSystemdUnit, "directory holding the unit file")

	cmd.AddCommand(install, uninstall)
	return cmd
}

func renderUnit(execPath, cfgPath string) string {
	unit := strings.ReplaceAll(systemdTemplate, "{{EXEC}}", execPath)
	return strings.ReplaceAll(unit, "{{CONFIG}}", cfgPath)
}

func installSystemd(w io.Writer, unitDir, execPath, cfgPath string) error {
	unitPath := filepath.Join(unitDir, serviceName+".service")
	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(unitPath, []byte(renderUnit(execPath, cfgPath)), 0o644); err != nil {
		return err
	}

	fmt.Fprintf(w, "Service installed: %s\n", unitPath)
	fmt.Fprintf(w, "To start:  systemctl daemon-reload && systemctl start %s\n", serviceName)
	fmt.Fprintf(w, "To enable: systemctl enable %s\n", serviceName)
	fmt.Fprintf(w, "To stop:   systemctl stop %s\n", serviceName)
	return nil
}

func uninstallSystemd(w io.Writer, unitDir string) error {
	unitPath := filepath.Join(unitDir, serviceName+".service")
	if err := os.Remove(unitPath); err != nil {
		return fmt.Errorf("remove unit: %w", err)
	}
	fmt.Fprintf(w, "Service uninstalled: %s\n", unitPath)
	return nil
}

const systemdTemplate = `[Unit]
Description=thk shell command validation daemon
After=network.target

[Service]
Type=simple
ExecStart={{EXEC}} daemon --config {{CONFIG}}
RuntimeDirectory=thk
StateDirectory=thk
Restart=on-failure
RestartSec=5

[Install]
WantedBy=multi-user.target
`
