package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"docstore/internal/app"
	"docstore/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// withApp opens the stores for the duration of fn and records fn's outcome
// as the operation's status.
func withApp(operation string, fn func(cmd *cobra.Command, args []string, a *app.App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		level := slog.LevelWarn
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			level = slog.LevelDebug
		}
		a, err := app.New(cmd.Context(), cfg, operation, app.WithConsole(os.Stderr, level))
		if err != nil {
			return fmt.Errorf("initializing app: %w", err)
		}
		defer a.Close()

		err = fn(cmd, args, a)
		a.Finish(err)
		return err
	}
}

func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

var rootCmd = &cobra.Command{
	Use:          "docstore",
	Short:        "Maintain the document store",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return (&config.Manager{}).Write(os.Stdout, cfg)
	},
}

// migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Inspect and change schema versions",
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show schema versions and migration history",
	RunE: withApp("migrate status", func(cmd *cobra.Command, args []string, a *app.App) error {
		statuses, err := a.MigrationStatus(cmd.Context())
		if err != nil {
			return err
		}
		for _, st := range statuses {
			fmt.Printf("%s (%s): version %d of %d\n", st.Store, st.Path, st.Current, st.Latest)
			for _, r := range st.History {
				fmt.Printf("  %3d  %s  %s\n", r.Version, r.AppliedAt.Format("2006-01-02 15:04:05"), r.Description)
			}
			for _, r := range st.Failures {
				fmt.Printf("  %3d  %s  FAILED  %s\n", r.Version, r.AppliedAt.Format("2006-01-02 15:04:05"), r.Description)
			}
		}
		return nil
	}),
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: withApp("migrate up", func(cmd *cobra.Command, args []string, a *app.App) error {
		results, err := a.Migrate(cmd.Context())
		if err != nil {
			return err
		}
		for store, res := range results {
			fmt.Printf("%s: applied %v, skipped %v\n", store, res.Applied, res.Skipped)
			if res.BackupPath != "" {
				fmt.Printf("  backup: %s\n", res.BackupPath)
			}
		}
		return nil
	}),
}

var migrateDownCmd = &cobra.Command{
	Use:   "down STORE VERSION",
	Short: "Roll a store back to VERSION",
	Long:  "Roll a store back to VERSION. The next command that opens the store migrates it forward again.",
	Args:  cobra.ExactArgs(2),
	RunE: withApp("migrate down", func(cmd *cobra.Command, args []string, a *app.App) error {
		target, err := strconv.Atoi(args[1])
		if err != nil || target < 0 {
			return fmt.Errorf("invalid version %q", args[1])
		}
		res, err := a.Rollback(cmd.Context(), args[0], target)
		if err != nil {
			return err
		}
		fmt.Printf("%s: reverted %v\n", args[0], res.Applied)
		return nil
	}),
}

// blobs command
var blobsCmd = &cobra.Command{
	Use:   "blobs",
	Short: "Inspect the content store",
}

var blobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show blob and record counts",
	RunE: withApp("blobs stats", func(cmd *cobra.Command, args []string, a *app.App) error {
		bs, rs, err := a.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Blobs:     %d (%d bytes)\n", bs.Files, bs.Bytes)
		for t, s := range bs.ByType {
			fmt.Printf("  %-4s     %d (%d bytes)\n", t, s.Files, s.Bytes)
		}
		fmt.Printf("Records:   %d live, %d deleted, %d documents\n", rs.Files, rs.Deleted, rs.Documents)
		for s, n := range rs.BySyncStatus {
			fmt.Printf("  %-15s %d\n", s, n)
		}
		return nil
	}),
}

var blobsVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Rehash every blob and check every record has one",
	RunE: withApp("blobs verify", func(cmd *cobra.Command, args []string, a *app.App) error {
		report, err := a.VerifyBlobs(cmd.Context())
		if err != nil {
			return err
		}
		for _, b := range report.Corrupt {
			fmt.Printf("CORRUPT  %s.%s\n", b.Hash, b.Type)
		}
		for _, r := range report.Missing {
			fmt.Printf("MISSING  %s  %s (%s)\n", r.StableID, r.ID, r.DocID)
		}
		fmt.Printf("Checked %d blob(s)\n", report.Checked)
		if !report.OK() {
			return fmt.Errorf("verification found %d corrupt and %d missing", len(report.Corrupt), len(report.Missing))
		}
		return nil
	}),
}

// gc command
var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collection",
}

var gcRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Purge soft-deleted records past the grace period",
	RunE: withApp("gc run", func(cmd *cobra.Command, args []string, a *app.App) error {
		res, err := a.RunGC(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d record(s), deleted %d blob(s), kept %d shared blob(s)\n",
			res.Purged, res.BlobsDeleted, res.BlobsKept)
		if res.Errors > 0 {
			return fmt.Errorf("%d error(s) during gc, see the log", res.Errors)
		}
		return nil
	}),
}

// locks command
var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect editing locks",
}

var locksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active locks",
	RunE: withApp("locks list", func(cmd *cobra.Command, args []string, a *app.App) error {
		session, _ := cmd.Flags().GetString("session")
		ls, err := a.ListLocks(cmd.Context(), session)
		if err != nil {
			return err
		}
		if len(ls) == 0 {
			fmt.Println("No active locks.")
			return nil
		}
		for _, l := range ls {
			fmt.Printf("%s  %s  since %s  refreshed %s\n",
				l.FileID, l.SessionID,
				l.AcquiredAt.Format("2006-01-02 15:04:05"),
				l.UpdatedAt.Format("15:04:05"),
			)
		}
		return nil
	}),
}

var locksPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete stale locks",
	RunE: withApp("locks purge", func(cmd *cobra.Command, args []string, a *app.App) error {
		n, err := a.PurgeStaleLocks(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d stale lock(s)\n", n)
		return nil
	}),
}

// repair command
var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Consistency repairs",
}

var repairCollectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "Copy each PDF's collections onto its TEI files",
	RunE: withApp("repair collections", func(cmd *cobra.Command, args []string, a *app.App) error {
		n, err := a.RepairCollections(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Repaired %d record(s)\n", n)
		return nil
	}),
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Database backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Back up the metadata and lock stores",
	RunE: withApp("backup create", func(cmd *cobra.Command, args []string, a *app.App) error {
		paths, err := a.Backup(cmd.Context())
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Println(p)
		}
		return nil
	}),
}

var backupKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the backup encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pass, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		again, err := readPassphrase("Repeat passphrase: ")
		if err != nil {
			return err
		}
		if pass != again {
			return fmt.Errorf("passphrases do not match")
		}
		if err := app.SetupBackupEncryption(cfg.Backup.Encryption, pass); err != nil {
			return err
		}
		fmt.Printf("Public key:  %s\n", cfg.Backup.Encryption.PublicKeyPath)
		fmt.Printf("Private key: %s\n", cfg.Backup.Encryption.PrivateKeyPath)
		return nil
	},
}

var backupDecryptCmd = &cobra.Command{
	Use:   "decrypt FILE",
	Short: "Write a plaintext copy of an encrypted backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("out")
		pass, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		restored, err := app.DecryptBackup(cfg.Backup.Encryption, args[0], out, pass)
		if err != nil {
			return err
		}
		h := restored.Header
		fmt.Printf("Decrypted %s backup (schema version %d, taken %s) to %s\n",
			h.Store, h.SchemaVersion, h.CreatedAt.Format(time.RFC3339), restored.Path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug output to stderr")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	migrateCmd.AddCommand(migrateStatusCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)

	blobsCmd.AddCommand(blobsStatsCmd)
	blobsCmd.AddCommand(blobsVerifyCmd)

	gcCmd.AddCommand(gcRunCmd)

	locksCmd.AddCommand(locksListCmd)
	locksListCmd.Flags().StringP("session", "s", "", "Only show locks held by this session")
	locksCmd.AddCommand(locksPurgeCmd)

	repairCmd.AddCommand(repairCollectionsCmd)

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupKeygenCmd)
	backupCmd.AddCommand(backupDecryptCmd)
	backupDecryptCmd.Flags().StringP("out", "o", "", "Output path (default: FILE without .age)")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(blobsCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(locksCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(backupCmd)
}
