package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/subflowhq/subflow/internal/blobstore"
)

var gcBlobsCmd = &cobra.Command{
	Use:   "gc-blobs",
	Short: "Delete unreferenced blobs from the blob store",
	Long: `Delete blobs whose reference count has dropped to zero.

Blob files are kept on disk when their last project releases them; this
command reclaims the space. With --dry-run it only reports what would be
removed.`,
	RunE: runGCBlobs,
}

func init() {
	rootCmd.AddCommand(gcBlobsCmd)
	gcBlobsCmd.Flags().Int("limit", 1000, "Maximum number of blobs to delete")
	gcBlobsCmd.Flags().Bool("dry-run", false, "Report without deleting")
}

func runGCBlobs(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	cfg, db, err := openDatabase()
	if err != nil {
		return err
	}
	blobs, err := blobstore.New(cfg.Storage.DataDir, db, slog.Default())
	if err != nil {
		return failRuntime(err)
	}

	removed, bytes, err := blobs.GCUnreferenced(cmd.Context(), limit, dryRun)
	if err != nil {
		return failRuntime(fmt.Errorf("collecting blobs: %w", err))
	}

	verb := "removed"
	if dryRun {
		verb = "would remove"
	}
	fmt.Printf("%s %d blobs (%d bytes)\n", verb, removed, bytes)
	return nil
}
