// Package artifact provides the namespaced per-stage artifact store.
// Keys have the shape (project, stage, name); values are opaque bytes with
// JSON and text conveniences layered on top.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound indicates a requested artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// Store is a namespaced byte store for per-stage artifacts.
// Identifiers returned by Save are opaque storage keys; the orchestrator
// records them on stage runs and project rows but never interprets them.
type Store interface {
	// Save writes an artifact and returns its storage identifier.
	Save(ctx context.Context, projectID, stage, name string, data []byte) (string, error)

	// Load reads an artifact. Returns ErrNotFound if it does not exist.
	Load(ctx context.Context, projectID, stage, name string) ([]byte, error)

	// List returns the storage identifiers under a project, optionally
	// restricted to one stage (empty stage = all stages).
	List(ctx context.Context, projectID, stage string) ([]string, error)

	// ListProjectIDs returns every project id present in the store.
	ListProjectIDs(ctx context.Context) ([]string, error)

	// DeleteProject removes all artifacts for a project and returns the count.
	DeleteProject(ctx context.Context, projectID string) (int, error)
}

// SaveText writes a UTF-8 text artifact.
func SaveText(ctx context.Context, s Store, projectID, stage, name, text string) (string, error) {
	return s.Save(ctx, projectID, stage, name, []byte(text))
}

// LoadText reads a UTF-8 text artifact.
func LoadText(ctx context.Context, s Store, projectID, stage, name string) (string, error) {
	data, err := s.Load(ctx, projectID, stage, name)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SaveJSON writes an indented JSON artifact with non-ASCII preserved.
func SaveJSON(ctx context.Context, s Store, projectID, stage, name string, v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encoding artifact %s: %w", name, err)
	}
	return s.Save(ctx, projectID, stage, name, buf.Bytes())
}

// LoadJSON reads a JSON artifact into v.
func LoadJSON(ctx context.Context, s Store, projectID, stage, name string, v any) error {
	data, err := s.Load(ctx, projectID, stage, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding artifact %s: %w", name, err)
	}
	return nil
}

// sanitizeComponent makes a stage or name safe as a single path component.
// Slashes would otherwise split one logical key into nested prefixes.
func sanitizeComponent(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
