package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"thk/internal/config"
	"thk/internal/store"

	"github.com/spf13/cobra"
)

// Archive member names. Restore maps them back onto configured paths.
const (
	backupDBName     = "audit.db"
	backupPolicyName = "policy.yaml"
)

// backupFile is one archive member.
type backupFile struct {
	path string // on disk
	name string // inside the archive
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the audit database, config and policy file",
		Long: `Creates a compressed .tar.gz archive with a consistent snapshot of the
SQLite audit database, the config file and the policy file. The backup is
timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if outputPath == "" {
				outputPath = fmt.Sprintf("thk-backup-%s.tar.gz", time.Now().Format("20060102-150405"))
			}
			files, err := createBackup(cmd.Context(), cfg, resolveConfigPath(), outputPath)
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Backup created: %s\n", outputPath)
			fmt.Fprintf(out, "Files included: %d\n", len(files))
			for _, f := range files {
				fmt.Fprintf(out, "  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ./thk-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore the audit database, config and policy file from a backup",
		Long: `Restores files from an archive created by 'thk backup'. Stop the daemon
first; it keeps the audit database open.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			targets := restoreTargets(cfg, cfgPath)

			if !force {
				for _, path := range targets {
					if _, err := os.Stat(path); err == nil {
						return fmt.Errorf("%s exists; restore aborted (use --force to overwrite)", path)
					}
				}
			}

			restored, err := extractBackup(args[0], targets)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Restore completed from: %s\n", args[0])
			fmt.Fprintf(out, "Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Fprintf(out, "  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

// createBackup writes the archive and returns the member names it contains.
func createBackup(ctx context.Context, cfg *config.Config, cfgPath, outputPath string) ([]string, error) {
	var files []backupFile

	if cfg.Audit.SQLite.Enabled {
		dbPath := config.ExpandPath(cfg.Audit.SQLite.DBPath)
		if _, err := os.Stat(dbPath); err == nil {
			tmp, err := os.MkdirTemp("", "thk-backup-")
			if err != nil {
				return nil, err
			}
			defer os.RemoveAll(tmp)

			st, err := store.NewSQLiteStore(dbPath, logger)
			if err != nil {
				return nil, err
			}
			snap := filepath.Join(tmp, backupDBName)
			err = st.SnapshotTo(ctx, snap)
			st.Close()
			if err != nil {
				return nil, err
			}
			files = append(files, backupFile{path: snap, name: backupDBName})
		}
	}

	cfgPath = config.ExpandPath(cfgPath)
	if _, err := os.Stat(cfgPath); err == nil {
		files = append(files, backupFile{path: cfgPath, name: configMember(cfgPath)})
	}
	if cfg.Policy.PolicyFile != "" {
		p := config.ExpandPath(cfg.Policy.PolicyFile)
		if _, err := os.Stat(p); err == nil {
			files = append(files, backupFile{path: p, name: backupPolicyName})
		}
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("nothing to back up (no audit database, config or policy file)")
	}
	if err := createTarGz(outputPath, files); err != nil {
		return nil, err
	}
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.name
	}
	return names, nil
}

// restoreTargets maps archive member names to destination paths.
func restoreTargets(cfg *config.Config, cfgPath string) map[string]string {
	policyPath := filepath.Join(filepath.Dir(cfgPath), backupPolicyName)
	if cfg.Policy.PolicyFile != "" {
		policyPath = config.ExpandPath(cfg.Policy.PolicyFile)
	}
	return map[string]string{
		backupDBName:         config.ExpandPath(cfg.Audit.SQLite.DBPath),
		configMember(cfgPath): cfgPath,
		backupPolicyName:     policyPath,
	}
}

// configMember names the config inside the archive by format, not by path.
func configMember(cfgPath string) string {
	return "config" + filepath.Ext(cfgPath)
}

// createTarGz creates a .tar.gz archive from the given files.
func createTarGz(outputPath string, files []backupFile) error {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)

	for _, f := range files {
		if err := addFileToTar(tarWriter, f); err != nil {
			return fmt.Errorf("add %s: %w", f.path, err)
		}
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	if err := gzWriter.Close(); err != nil {
		return err
	}
	return outFile.Close()
}

func addFileToTar(tw *tar.Writer, f backupFile) error {
	file, err := os.Open(f.path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = f.name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// extractBackup restores known members onto targets. Unknown members are
// skipped; only base names are trusted.
func extractBackup(archivePath string, targets map[string]string) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		baseName := filepath.Base(header.Name)
		targetPath, ok := targets[baseName]
		if !ok {
			if strings.HasPrefix(baseName, "config") {
				return nil, fmt.Errorf("archive holds %s, which does not match the active config format", baseName)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}
		if baseName == backupDBName {
			// stale WAL files would be replayed over the restored database
			os.Remove(targetPath + "-wal")
			os.Remove(targetPath + "-shm")
		}
		outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		outFile.Close()
		restored = append(restored, targetPath)
	}
	return restored, nil
}
