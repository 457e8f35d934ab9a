package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/subflowhq/subflow/internal/repository"
)

var cleanupArtifactsCmd = &cobra.Command{
	Use:   "cleanup-artifacts",
	Short: "Delete artifacts belonging to deleted projects",
	Long: `Delete orphaned artifacts from the artifact store.

An artifact is orphaned when its project id no longer exists in the
database, which happens when a project is deleted after its stages wrote
output. With --dry-run it only reports what would be removed.`,
	RunE: runCleanupArtifacts,
}

func init() {
	rootCmd.AddCommand(cleanupArtifactsCmd)
	cleanupArtifactsCmd.Flags().Bool("dry-run", false, "Report without deleting")
}

func runCleanupArtifacts(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	ctx := cmd.Context()

	cfg, db, err := openDatabase()
	if err != nil {
		return err
	}
	store, err := newArtifactStore(ctx, cfg.Storage)
	if err != nil {
		return failRuntime(err)
	}
	repos := repository.NewRegistry(db)

	known, err := repos.Projects.ListAllIDs(ctx)
	if err != nil {
		return failRuntime(fmt.Errorf("listing projects: %w", err))
	}
	live := make(map[string]struct{}, len(known))
	for _, id := range known {
		live[id.String()] = struct{}{}
	}

	stored, err := store.ListProjectIDs(ctx)
	if err != nil {
		return failRuntime(fmt.Errorf("listing stored artifacts: %w", err))
	}

	orphans, removed := 0, 0
	for _, id := range stored {
		if _, ok := live[id]; ok {
			continue
		}
		orphans++
		if dryRun {
			fmt.Printf("would remove artifacts for project %s\n", id)
			continue
		}
		n, err := store.DeleteProject(ctx, id)
		if err != nil {
			return failRuntime(fmt.Errorf("deleting artifacts for project %s: %w", id, err))
		}
		slog.Default().Info("removed orphaned artifacts",
			slog.String("project_id", id),
			slog.Int("files", n),
		)
		removed += n
	}

	if dryRun {
		fmt.Printf("%d orphaned projects found\n", orphans)
	} else {
		fmt.Printf("%d orphaned projects cleaned, %d files removed\n", orphans, removed)
	}
	return nil
}
