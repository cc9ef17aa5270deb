// Package artifact stores the binary/textual blobs tasks produce,
// out-of-band from the graph store. Each agent output that isn't a short
// text summary is written here and referenced from graph.Artifact by its
// StorePath.
package artifact

import (
	"context"
	"io"
)

// Store persists an artifact's bytes and returns the path recorded on
// graph.Artifact.StorePath.
type Store interface {
	Put(ctx context.Context, actionID, taskID, name string, contentType string, data io.Reader, size int64) (storePath string, err error)
	Get(ctx context.Context, storePath string) (io.ReadCloser, error)
}
