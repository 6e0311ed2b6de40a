// Command blockbackup performs incremental, differential backups of
// fixed-size block images into a local, file-based archive.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to every component via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"blockbackup/internal/blockimage"
	"blockbackup/internal/blockimage/catalog"
	"blockbackup/internal/blockimage/hintdoc"
	"blockbackup/internal/logging"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	// The base handler admits everything; the filter in front of it
	// enforces the default level and any per-component overrides, both
	// resolved from flags in the root PersistentPreRunE before any
	// subcommand logs.
	levelVar := new(slog.LevelVar)
	levelVar.Set(slog.LevelInfo)
	overrides := make(map[string]slog.Level)
	base := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(logging.NewFilterHandler(base, levelVar, overrides))

	rootCmd := newRootCmd(logger, levelVar, overrides)
	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger, levelVar *slog.LevelVar, overrides map[string]slog.Level) *cobra.Command {
	root := &cobra.Command{
		Use:   "blockbackup",
		Short: "Incremental backup, restore, and scrub of fixed-size block images",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			levelName, _ := cmd.Flags().GetString("log-level")
			var level slog.Level
			if err := level.UnmarshalText([]byte(levelName)); err != nil {
				return fmt.Errorf("parse --log-level: %w", err)
			}
			levelVar.Set(level)

			debugSpec, _ := cmd.Flags().GetString("log-debug")
			parsed, err := logging.ParseOverrides(debugSpec)
			if err != nil {
				return fmt.Errorf("parse --log-debug: %w", err)
			}
			for component, lvl := range parsed {
				overrides[component] = lvl
			}
			return nil
		},
	}
	root.PersistentFlags().String("catalog", defaultCatalogPath(), "path to the archive catalog file")
	root.PersistentFlags().String("log-level", "info", "default log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-debug", "", "per-component level overrides, e.g. blockimage.level=debug")

	root.AddCommand(
		newBackupCmd(logger),
		newRestoreCmd(logger),
		newScrubCmd(logger),
		newArchiveCmd(logger),
		newVersionCmd(),
	)
	return root
}

func defaultCatalogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "blockbackup-catalog.json"
	}
	return filepath.Join(home, ".blockbackup", "catalog.json")
}

func catalogFromCmd(cmd *cobra.Command) catalog.Store {
	path, _ := cmd.Flags().GetString("catalog")
	return catalog.NewFileStore(path)
}

// openArchiveCmd resolves an archive either from an explicit --dir flag
// or, failing that, from the catalog entry for name. The returned bool
// reports whether the catalog marks this archive for overlay compression.
func openArchiveCmd(cmd *cobra.Command, logger *slog.Logger, name string) (*blockimage.Archive, bool, error) {
	dirFlag, _ := cmd.Flags().GetString("dir")
	chunkSize := int64(blockimage.DefaultChunkSize)
	compressOverlays := false

	if dirFlag == "" {
		entry, err := catalogFromCmd(cmd).Lookup(name)
		if err != nil {
			return nil, false, fmt.Errorf("resolve archive %q: %w", name, err)
		}
		dirFlag = entry.Dir
		compressOverlays = entry.Compress
		if entry.ChunkSize > 0 {
			chunkSize = entry.ChunkSize
		}
	}

	archive, err := blockimage.Open(dirFlag, name, chunkSize, logger)
	return archive, compressOverlays, err
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func newBackupCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup <archive> <source-image>",
		Short: "Back up a block image, full or incremental",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, sourcePath := args[0], args[1]

			archive, compressOverlays, err := openArchiveCmd(cmd, logger, name)
			if err != nil {
				return err
			}

			src, err := blockimage.OpenFileSource(sourcePath)
			if err != nil {
				return fmt.Errorf("open source image: %w", err)
			}
			defer src.Close()

			hintsPath, _ := cmd.Flags().GetString("hints")
			var hints []blockimage.HintRange
			if hintsPath != "" {
				f, err := os.Open(hintsPath)
				if err != nil {
					return fmt.Errorf("open hints file: %w", err)
				}
				hints, err = hintdoc.Parse(f)
				f.Close()
				if err != nil {
					return fmt.Errorf("parse hints file: %w", err)
				}
			}

			logger.Info("starting backup", "archive", name, "source", sourcePath, "hints", len(hints))
			if err := archive.Backup(src, hints); err != nil {
				return fmt.Errorf("backup: %w", err)
			}
			logger.Info("backup complete", "archive", name)

			// A freshly displaced overlay is sealed; compress it now if
			// the catalog marks this archive for compression.
			if compressOverlays {
				overlays, _, err := archive.Levels()
				if err != nil {
					return fmt.Errorf("enumerate levels after backup: %w", err)
				}
				if len(overlays) > 0 {
					newest := overlays[len(overlays)-1]
					if err := archive.CompressOverlay(newest); err != nil {
						return fmt.Errorf("compress overlay %d: %w", newest, err)
					}
					logger.Info("compressed overlay", "archive", name, "overlay", newest)
				}
			}
			return nil
		},
	}
	cmd.Flags().String("dir", "", "archive directory (overrides the catalog entry)")
	cmd.Flags().String("hints", "", "path to a hint document (see internal/blockimage/hintdoc)")
	return cmd
}

func newRestoreCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <archive> <target-path>",
		Short: "Restore a block image to a target path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, targetPath := args[0], args[1]

			archive, _, err := openArchiveCmd(cmd, logger, name)
			if err != nil {
				return err
			}

			target, err := blockimage.CreateFileTarget(targetPath)
			if err != nil {
				return fmt.Errorf("create target file: %w", err)
			}
			defer target.Close()

			var generation *int
			genAttr := any("latest")
			if cmd.Flags().Changed("generation") {
				g, _ := cmd.Flags().GetInt("generation")
				generation = &g
				genAttr = g
			}

			logger.Info("starting restore", "archive", name, "target", targetPath, "generation", genAttr)
			if err := archive.Restore(target, generation); err != nil {
				return fmt.Errorf("restore: %w", err)
			}
			logger.Info("restore complete", "archive", name)
			return nil
		},
	}
	cmd.Flags().String("dir", "", "archive directory (overrides the catalog entry)")
	cmd.Flags().Int("generation", 0, "historical generation to restore (default: latest)")
	return cmd
}

func newScrubCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrub <archive>",
		Short: "Verify chunk integrity, optionally against a source image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			archive, _, err := openArchiveCmd(cmd, logger, name)
			if err != nil {
				return err
			}

			var level *int
			if cmd.Flags().Changed("level") {
				l, _ := cmd.Flags().GetInt("level")
				level = &l
			}

			deep, _ := cmd.Flags().GetBool("deep")
			if !deep {
				checked, invalidated, err := archive.PlainScrub(level)
				if err != nil {
					return fmt.Errorf("scrub: %w", err)
				}
				logger.Info("scrub complete", "archive", name, "checked", checked, "invalidated", invalidated)
				return nil
			}

			sourcePath, _ := cmd.Flags().GetString("source")
			if sourcePath == "" {
				return errors.New("--deep requires --source")
			}
			src, err := blockimage.OpenFileSource(sourcePath)
			if err != nil {
				return fmt.Errorf("open source image: %w", err)
			}
			defer src.Close()

			percentile, _ := cmd.Flags().GetInt("percentile")
			checked, err := archive.DeepScrub(level, src, percentile)
			if err != nil {
				return fmt.Errorf("deep scrub: %w", err)
			}
			logger.Info("deep scrub complete", "archive", name, "checked", checked)
			return nil
		},
	}
	cmd.Flags().String("dir", "", "archive directory (overrides the catalog entry)")
	cmd.Flags().Int("level", 0, "level to scrub (default: Base)")
	cmd.Flags().Bool("deep", false, "compare stored chunks against a live source image")
	cmd.Flags().String("source", "", "source image path (required with --deep)")
	cmd.Flags().Int("percentile", 100, "percent of chunks to sample during deep scrub")
	return cmd
}

func newArchiveCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect and register archives",
	}
	cmd.AddCommand(newArchiveListCmd(), newArchiveShowCmd(logger), newArchiveRegisterCmd())
	return cmd
}

func newArchiveListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered archives",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := catalogFromCmd(cmd).List()
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s\t%s\n", e.Name, e.Dir)
			}
			return nil
		},
	}
}

func newArchiveShowCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <archive>",
		Short: "Show an archive's levels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			archive, _, err := openArchiveCmd(cmd, logger, name)
			if err != nil {
				return err
			}
			overlays, hasBase, err := archive.Levels()
			if err != nil {
				return err
			}
			fmt.Printf("archive: %s\n", name)
			fmt.Printf("base: %v\n", hasBase)
			fmt.Printf("overlays: %v\n", overlays)
			return nil
		},
	}
	cmd.Flags().String("dir", "", "archive directory (overrides the catalog entry)")
	return cmd
}

func newArchiveRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <archive> <dir>",
		Short: "Register an archive's directory in the catalog",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, dir := args[0], args[1]
			chunkSize, _ := cmd.Flags().GetInt64("chunk-size")
			compress, _ := cmd.Flags().GetBool("compress")
			return catalogFromCmd(cmd).Register(catalog.Entry{
				Name:      name,
				Dir:       dir,
				ChunkSize: chunkSize,
				Compress:  compress,
			})
		},
	}
	cmd.Flags().Int64("chunk-size", 0, "chunk size override in bytes (0: use the default)")
	cmd.Flags().Bool("compress", false, "mark this archive for compressed overlays")
	return cmd
}
