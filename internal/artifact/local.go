package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalStore is a filesystem-backed artifact store.
// Keys map to {base}/projects/{pid}/{stage}/{name}.
type LocalStore struct {
	base string
}

// NewLocalStore creates a local artifact store rooted at base.
func NewLocalStore(base string) (*LocalStore, error) {
	if err := os.MkdirAll(filepath.Join(base, "projects"), 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact base dir: %w", err)
	}
	return &LocalStore{base: base}, nil
}

// path returns the absolute file path for a key.
func (s *LocalStore) path(projectID, stage, name string) string {
	return filepath.Join(s.base, "projects", projectID, sanitizeComponent(stage), sanitizeComponent(name))
}

// identifier returns the storage identifier for a key (base-relative path).
func (s *LocalStore) identifier(projectID, stage, name string) string {
	return filepath.ToSlash(filepath.Join("projects", projectID, sanitizeComponent(stage), sanitizeComponent(name)))
}

// Save writes an artifact atomically via a temp file rename.
func (s *LocalStore) Save(ctx context.Context, projectID, stage, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := s.path(projectID, stage, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".artifact-*")
	if err != nil {
		return "", fmt.Errorf("creating temp artifact: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("writing artifact %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("closing artifact %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("renaming artifact %s: %w", name, err)
	}
	return s.identifier(projectID, stage, name), nil
}

// Load reads an artifact, returning ErrNotFound if absent.
func (s *LocalStore) Load(ctx context.Context, projectID, stage, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(projectID, stage, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s/%s", ErrNotFound, projectID, stage, name)
		}
		return nil, fmt.Errorf("reading artifact %s: %w", name, err)
	}
	return data, nil
}

// List returns identifiers under a project, optionally restricted to a stage.
func (s *LocalStore) List(ctx context.Context, projectID, stage string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root := filepath.Join(s.base, "projects", projectID)
	if stage != "" {
		root = filepath.Join(root, sanitizeComponent(stage))
	}

	var ids []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.base, path)
		if err != nil {
			return err
		}
		ids = append(ids, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	return ids, nil
}

// ListProjectIDs returns every project id present in the store.
func (s *LocalStore) ListProjectIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.base, "projects"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing project dirs: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

// DeleteProject removes the project subtree and returns the file count.
func (s *LocalStore) DeleteProject(ctx context.Context, projectID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ids, err := s.List(ctx, projectID, "")
	if err != nil {
		return 0, err
	}
	if err := os.RemoveAll(filepath.Join(s.base, "projects", projectID)); err != nil {
		return 0, fmt.Errorf("deleting project artifacts: %w", err)
	}
	return len(ids), nil
}
