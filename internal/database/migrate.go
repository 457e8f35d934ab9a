package database

import (
	"fmt"

	"github.com/subflowhq/subflow/internal/models"
)

// allModels lists every entity in dependency order for AutoMigrate.
var allModels = []any{
	&models.Project{},
	&models.StageRun{},
	&models.VADRegion{},
	&models.ASRSegment{},
	&models.ASRMergedChunk{},
	&models.SemanticChunk{},
	&models.TranslationChunk{},
	&models.GlobalContext{},
	&models.SubtitleExport{},
	&models.FileBlob{},
	&models.ProjectFile{},
	&models.DerivedBlob{},
}

// Migrate creates or updates the schema for all subflow entities.
func (db *DB) Migrate() error {
	if err := db.DB.AutoMigrate(allModels...); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}
