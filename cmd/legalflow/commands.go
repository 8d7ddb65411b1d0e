package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/legalflow/legalflow/internal/model"
	"github.com/legalflow/legalflow/pkg/config"
	"github.com/legalflow/legalflow/pkg/export"
	"github.com/legalflow/legalflow/pkg/objstore"
	"github.com/legalflow/legalflow/pkg/store"
)

var exportFormat string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE:  runMigrate,
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run's status and document outcomes",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var exportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run's chronology",
	Long: `Render a finished run's events as a chronology artifact.

Examples:
  legalflow export 4f2c... --format csv
  legalflow export 4f2c... --format xlsx`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "csv", "Export format (csv, xlsx, json)")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(exportCmd)
}

// openStore connects to the configured database. CLI subcommands need real
// persistence; the in-memory store would be empty every invocation.
func openStore() (store.Store, error) {
	cfg := config.Global().Get()
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database.dsn is not configured")
	}
	return store.NewGormStore(cfg.Database.DSN)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	// NewGormStore runs the schema migration on connect.
	if _, err := openStore(); err != nil {
		return err
	}
	fmt.Println("database schema is up to date")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	runID := args[0]

	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	docs, err := st.ListDocuments(ctx, runID)
	if err != nil {
		return err
	}
	_, total, err := st.ListEvents(ctx, runID, 1, 0)
	if err != nil {
		return err
	}

	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Status:   %s\n", run.Status)
	if run.Error != "" {
		fmt.Printf("Error:    %s\n", run.Error)
	}
	fmt.Printf("Events:   %d\n", total)
	fmt.Printf("Created:  %s\n", run.CreatedAt.Format("2006-01-02 15:04:05"))
	if run.FinishedAt != nil {
		fmt.Printf("Finished: %s\n", run.FinishedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DOCUMENT\tSTATUS\tATTEMPT\tTYPE\tWARNINGS\tERROR")
	for _, d := range docs {
		errMsg := d.Error
		if len(errMsg) > 60 {
			errMsg = errMsg[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\n",
			d.Filename, d.Status, d.Attempt, d.DetectedType, d.Warnings, errMsg)
	}
	return w.Flush()
}

func runExport(cmd *cobra.Command, args []string) error {
	format, ok := model.ParseArtifactFormat(exportFormat)
	if !ok {
		return fmt.Errorf("unknown format %q (want csv, xlsx, or json)", exportFormat)
	}

	st, err := openStore()
	if err != nil {
		return err
	}

	cfg := config.Global().Get()
	if cfg.Storage.Endpoint == "" {
		return fmt.Errorf("storage.endpoint is not configured")
	}
	ctx := context.Background()
	objects, err := objstore.NewMinioStore(ctx, objstore.MinioConfig{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		return err
	}

	artifact, err := export.New(st, objects).Export(ctx, args[0], format)
	if err != nil {
		return err
	}

	fmt.Printf("exported %s (%d bytes)\n", artifact.StorageKey, artifact.SizeBytes)
	if url, err := objects.Presign(ctx, artifact.StorageKey, 15*time.Minute); err == nil && url != "" {
		fmt.Println(url)
	}
	return nil
}
