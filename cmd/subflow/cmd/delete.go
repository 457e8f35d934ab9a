package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/subflowhq/subflow/internal/models"
	"github.com/subflowhq/subflow/internal/pipeline"
	"github.com/subflowhq/subflow/internal/repository"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <project-id>",
	Short: "Delete a project, its database rows, and its artifacts",
	Long: `Delete a project and everything derived from it: stage runs,
segments, chunks, exports, file-slot bindings, and the artifact tree.
Blob files shared with other projects are only unreferenced; an
unreferenced blob is removed by the next gc-blobs run.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	id, err := models.ParseULID(args[0])
	if err != nil {
		return fmt.Errorf("invalid project id %q: %w", args[0], err)
	}

	cfg, db, err := openDatabase()
	if err != nil {
		return err
	}
	store, err := newArtifactStore(ctx, cfg.Storage)
	if err != nil {
		return failRuntime(err)
	}
	repos := repository.NewRegistry(db)

	project, err := repos.Projects.GetByID(ctx, id)
	if err != nil {
		return failRuntime(err)
	}
	if project == nil {
		return failRuntime(fmt.Errorf("project %s not found", id))
	}

	deps := &pipeline.Deps{Repos: repos, Artifacts: store}
	if err := pipeline.DeleteProject(ctx, deps, id); err != nil {
		return failRuntime(err)
	}

	fmt.Printf("deleted project %s (%s)\n", id, project.Name)
	return nil
}
