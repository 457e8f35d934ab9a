// Package blobstore implements the content-addressed media blob store.
// Blobs are stored once under their SHA-256 hash and shared across projects
// through reference-counted project_files rows. Deterministic derivatives
// (vocal separation output, resampled audio) are indexed in derived_blobs so
// re-ingesting the same media skips the expensive transform.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/subflowhq/subflow/internal/database"
	"github.com/subflowhq/subflow/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrBlobMissing indicates a referenced blob file is absent on disk.
var ErrBlobMissing = errors.New("blob file missing")

// Store manages content-addressed blobs on the local filesystem with
// metadata and reference counts in the database.
type Store struct {
	base   string
	db     *database.DB
	logger *slog.Logger
}

// New creates a blob store rooted at base.
func New(base string, db *database.DB, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(base, "blobs"), 0o755); err != nil {
		return nil, fmt.Errorf("creating blob base dir: %w", err)
	}
	return &Store{base: base, db: db, logger: log}, nil
}

// Path returns the filesystem path for a blob hash. The file may not exist.
func (s *Store) Path(hash string) string {
	return filepath.Join(s.base, "blobs", hash[:2], hash[2:4], hash)
}

// Open opens a blob for reading, verifying it exists on disk.
func (s *Store) Open(ctx context.Context, hash string) (*os.File, error) {
	f, err := os.Open(s.Path(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBlobMissing, hash)
		}
		return nil, fmt.Errorf("opening blob %s: %w", hash, err)
	}
	return f, nil
}

// HashFile computes the SHA-256 hex digest of a file.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("opening file for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hashing file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// IngestFile stores the file at srcPath as a blob and binds it to the
// project's file slot, adjusting reference counts. Returns the blob hash.
// If the project slot already points at a different blob, that blob's
// reference count is decremented.
func (s *Store) IngestFile(ctx context.Context, projectID models.ULID, fileType models.ProjectFileType, srcPath, mime string) (string, error) {
	hash, size, err := HashFile(srcPath)
	if err != nil {
		return "", err
	}

	if err := s.materialize(srcPath, hash); err != nil {
		return "", err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		// Insert blob metadata if new; always refresh last access.
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "hash"}},
			DoUpdates: clause.Assignments(map[string]any{"last_accessed_at": now}),
		}).Create(&models.FileBlob{
			Hash:           hash,
			Size:           size,
			MIME:           mime,
			RefCount:       0,
			CreatedAt:      now,
			LastAccessedAt: now,
		}).Error
		if err != nil {
			return fmt.Errorf("upserting blob row: %w", err)
		}

		var existing models.ProjectFile
		err = tx.Where("project_id = ? AND file_type = ?", projectID, fileType).First(&existing).Error
		switch {
		case err == nil:
			if existing.BlobHash == hash {
				return nil
			}
			if err := decrementRef(tx, existing.BlobHash); err != nil {
				return err
			}
			if err := tx.Model(&existing).Update("blob_hash", hash).Error; err != nil {
				return fmt.Errorf("rebinding project file: %w", err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			pf := &models.ProjectFile{ProjectID: projectID, FileType: fileType, BlobHash: hash}
			if err := tx.Create(pf).Error; err != nil {
				return fmt.Errorf("creating project file: %w", err)
			}
		default:
			return fmt.Errorf("looking up project file: %w", err)
		}

		return incrementRef(tx, hash)
	})
	if err != nil {
		// The blob is already on disk under its hash, so the caller can
		// still proceed. The unbound reference surfaces on the next GC
		// scan or re-ingest.
		s.logger.Warn("blob metadata write failed, returning unbound blob reference",
			slog.String("hash", hash),
			slog.String("project_id", projectID.String()),
			slog.String("error", err.Error()))
	}
	return hash, nil
}

// materialize copies srcPath into the blob layout unless already present.
// Writes go through a temp file so a crash never leaves a partial blob
// under its final hash path.
func (s *Store) materialize(srcPath, hash string) error {
	dst := s.Path(hash)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating blob dir: %w", err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".blob-*")
	if err != nil {
		return fmt.Errorf("creating temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("copying blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp blob: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming blob: %w", err)
	}
	return nil
}

func incrementRef(tx *gorm.DB, hash string) error {
	err := tx.Model(&models.FileBlob{}).
		Where("hash = ?", hash).
		Update("ref_count", gorm.Expr("ref_count + 1")).Error
	if err != nil {
		return fmt.Errorf("incrementing blob refcount: %w", err)
	}
	return nil
}

func decrementRef(tx *gorm.DB, hash string) error {
	err := tx.Model(&models.FileBlob{}).
		Where("hash = ? AND ref_count > 0", hash).
		Update("ref_count", gorm.Expr("ref_count - 1")).Error
	if err != nil {
		return fmt.Errorf("decrementing blob refcount: %w", err)
	}
	return nil
}

// GetProjectFile returns the blob hash bound to a project file slot,
// or "" if the slot is unbound.
func (s *Store) GetProjectFile(ctx context.Context, projectID models.ULID, fileType models.ProjectFileType) (string, error) {
	var pf models.ProjectFile
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND file_type = ?", projectID, fileType).
		First(&pf).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("getting project file: %w", err)
	}
	return pf.BlobHash, nil
}

// ReleaseProject unbinds all of a project's file slots and decrements the
// referenced blobs. Blob files stay on disk until GCUnreferenced runs.
func (s *Store) ReleaseProject(ctx context.Context, projectID models.ULID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var files []*models.ProjectFile
		if err := tx.Where("project_id = ?", projectID).Find(&files).Error; err != nil {
			return fmt.Errorf("listing project files: %w", err)
		}
		for _, pf := range files {
			if err := decrementRef(tx, pf.BlobHash); err != nil {
				return err
			}
		}
		if err := tx.Where("project_id = ?", projectID).Delete(&models.ProjectFile{}).Error; err != nil {
			return fmt.Errorf("deleting project files: %w", err)
		}
		return nil
	})
}

// GCUnreferenced deletes up to limit blobs whose reference count is zero,
// removing both the metadata row and the file. The refcount is rechecked
// inside the delete transaction so a concurrent ingest cannot lose its blob.
func (s *Store) GCUnreferenced(ctx context.Context, limit int, dryRun bool) (int, int64, error) {
	var candidates []*models.FileBlob
	q := s.db.WithContext(ctx).Where("ref_count <= 0").Order("last_accessed_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&candidates).Error; err != nil {
		return 0, 0, fmt.Errorf("listing unreferenced blobs: %w", err)
	}

	deleted := 0
	var freed int64
	for _, blob := range candidates {
		if dryRun {
			deleted++
			freed += blob.Size
			continue
		}

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Where("hash = ? AND ref_count <= 0", blob.Hash).Delete(&models.FileBlob{})
			if res.Error != nil {
				return fmt.Errorf("deleting blob row: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				// Re-referenced since the candidate scan.
				return nil
			}
			if err := tx.Where("source_hash = ? OR dst_hash = ?", blob.Hash, blob.Hash).
				Delete(&models.DerivedBlob{}).Error; err != nil {
				return fmt.Errorf("deleting derived blob entries: %w", err)
			}
			if err := os.Remove(s.Path(blob.Hash)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("removing blob file: %w", err)
			}
			deleted++
			freed += blob.Size
			return nil
		})
		if err != nil {
			return deleted, freed, err
		}
	}

	if deleted > 0 {
		s.logger.Info("blob garbage collection finished",
			slog.Int("deleted", deleted),
			slog.Int64("bytes_freed", freed),
			slog.Bool("dry_run", dryRun))
	}
	return deleted, freed, nil
}

// hashParams produces the canonical hash of a transform's parameters.
// json.Marshal writes map keys in sorted order, which keeps the hash
// stable across runs.
func hashParams(params any) (string, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshaling transform params: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Derived looks up a cached derivative. Returns ("", nil) on a cache miss
// or when the cached file has gone missing on disk.
func (s *Store) Derived(ctx context.Context, transform, sourceHash string, params any) (string, error) {
	paramsHash, err := hashParams(params)
	if err != nil {
		return "", err
	}
	var row models.DerivedBlob
	err = s.db.WithContext(ctx).
		Where("transform = ? AND source_hash = ? AND params_hash = ?", transform, sourceHash, paramsHash).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("looking up derived blob: %w", err)
	}
	if _, err := os.Stat(s.Path(row.DstHash)); err != nil {
		s.logger.Warn("derived blob missing on disk, treating as cache miss",
			slog.String("transform", transform),
			slog.String("dst_hash", row.DstHash))
		return "", nil
	}
	return row.DstHash, nil
}

// SetDerived records a derivative mapping.
func (s *Store) SetDerived(ctx context.Context, transform, sourceHash string, params any, dstHash string) error {
	paramsHash, err := hashParams(params)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "transform"}, {Name: "source_hash"}, {Name: "params_hash"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"dst_hash"}),
	}).Create(&models.DerivedBlob{
		Transform:  transform,
		SourceHash: sourceHash,
		ParamsHash: paramsHash,
		DstHash:    dstHash,
		CreatedAt:  time.Now().UTC(),
	}).Error
	if err != nil {
		return fmt.Errorf("saving derived blob: %w", err)
	}
	return nil
}
