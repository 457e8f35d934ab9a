package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/subflowhq/subflow/internal/models"
	"github.com/subflowhq/subflow/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a pipeline synchronously, without the queue",
	Long: `Run a pipeline to completion in the foreground.

With --media, a new project is created for the file and all five stages
run in order. With --project, an existing project is resumed; adding
--from-stage retries from that stage, discarding its output and every
later stage's output.

Local paths, file:// URLs, and http(s) URLs are accepted as media.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("media", "", "Media file path or URL to create a project from")
	runCmd.Flags().String("project", "", "Existing project id to resume")
	runCmd.Flags().String("name", "", "Project name (defaults to the media file name)")
	runCmd.Flags().String("source-lang", "", "Source language hint (empty = auto-detect)")
	runCmd.Flags().String("target-lang", "zh", "Translation target language")
	runCmd.Flags().String("from-stage", "", "Retry from this stage (requires --project)")
	runCmd.Flags().Float64("max-duration-s", 0, "Truncate audio to this many seconds (0 = full length)")
}

func runRun(cmd *cobra.Command, args []string) error {
	media, _ := cmd.Flags().GetString("media")
	projectID, _ := cmd.Flags().GetString("project")
	fromStage, _ := cmd.Flags().GetString("from-stage")

	switch {
	case media == "" && projectID == "":
		return errors.New("one of --media or --project is required")
	case media != "" && projectID != "":
		return errors.New("--media and --project are mutually exclusive")
	case fromStage != "" && projectID == "":
		return errors.New("--from-stage requires --project")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	if a.rdb != nil {
		defer a.rdb.Close()
	}
	if maxDur, _ := cmd.Flags().GetFloat64("max-duration-s"); cmd.Flags().Changed("max-duration-s") {
		a.cfg.Audio.MaxDurationS = maxDur
	}

	var project *models.Project
	if projectID != "" {
		id, err := models.ParseULID(projectID)
		if err != nil {
			return fmt.Errorf("invalid project id %q: %w", projectID, err)
		}
		project, err = a.repos.Projects.GetByID(ctx, id)
		if err != nil {
			return failRuntime(err)
		}
		if project == nil {
			return fmt.Errorf("project %s not found", projectID)
		}
	} else {
		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(media), filepath.Ext(media))
		}
		sourceLang, _ := cmd.Flags().GetString("source-lang")
		targetLang, _ := cmd.Flags().GetString("target-lang")

		project = &models.Project{
			Name:           name,
			MediaURL:       media,
			SourceLanguage: sourceLang,
			TargetLanguage: targetLang,
			AutoWorkflow:   true,
		}
		if err := a.repos.Projects.Create(ctx, project); err != nil {
			return failRuntime(err)
		}
		a.logger.Info("project created", slog.String("project_id", project.ID.String()))
	}

	if fromStage != "" {
		stage, err := models.ParseStage(fromStage)
		if err != nil {
			return err
		}
		_, err = a.orch.RetryStage(ctx, project, stage)
		if err != nil {
			return reportRunError(a.logger, project, err)
		}
	} else {
		_, err = a.orch.RunStage(ctx, project, models.StageLLM)
		if err != nil {
			return reportRunError(a.logger, project, err)
		}
	}

	a.logger.Info("pipeline completed",
		slog.String("project_id", project.ID.String()),
		slog.String("status", string(project.Status)),
	)
	for _, stage := range models.OrderedStages {
		for name, key := range project.StageArtifacts(stage) {
			fmt.Printf("%s\t%s\t%s\n", stage, name, key)
		}
	}
	return nil
}

func reportRunError(log *slog.Logger, project *models.Project, err error) error {
	if pipeline.IsCancellation(err) {
		log.Info("pipeline interrupted, project paused",
			slog.String("project_id", project.ID.String()),
		)
		return nil
	}
	return failRuntime(err)
}
