// Package fsstore is the default, dependency-free artifact.Store: it
// writes each artifact under a root directory keyed by action and task
// id, mirroring the local artifact-root layout the worker executor falls
// back to when no object store is configured.
package fsstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/flowforge/orchestrator/internal/artifact"
)

type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

var _ artifact.Store = (*Store)(nil)

func (s *Store) Put(_ context.Context, actionID, taskID, name, _ string, data io.Reader, _ int64) (string, error) {
	dir := filepath.Join(s.root, actionID, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, data); err != nil {
		return "", err
	}
	return fmt.Sprintf("file://%s/%s/%s", actionID, taskID, name), nil
}

func (s *Store) Get(_ context.Context, storePath string) (io.ReadCloser, error) {
	rel, err := relFromURI(storePath)
	if err != nil {
		return nil, err
	}
	return os.Open(filepath.Join(s.root, rel))
}

func relFromURI(storePath string) (string, error) {
	const prefix = "file://"
	if len(storePath) <= len(prefix) || storePath[:len(prefix)] != prefix {
		return "", fmt.Errorf("not a filesystem artifact path: %s", storePath)
	}
	return storePath[len(prefix):], nil
}
