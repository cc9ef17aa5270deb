package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flowforge/orchestrator/internal/artifact/fsstore"
	"github.com/flowforge/orchestrator/internal/graph"
)

func TestGetArtifactStreamsBlob(t *testing.T) {
	s, st, _ := newTestServer(t)
	blobs := fsstore.New(t.TempDir())
	s.artifacts = blobs

	storePath, err := blobs.Put(context.Background(), "action-1", "task-1", "report.txt", "text/plain", strings.NewReader("artifact body"), 13)
	if err != nil {
		t.Fatalf("put blob: %v", err)
	}
	if err := st.PutArtifact(context.Background(), graph.Artifact{
		ID:        "art-1",
		TaskID:    "task-1",
		MimeType:  "text/plain",
		StorePath: storePath,
		SizeBytes: 13,
	}); err != nil {
		t.Fatalf("put artifact metadata: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/artifacts/art-1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "text/plain" {
		t.Fatalf("expected content type text/plain, got %q", rec.Header().Get("Content-Type"))
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "artifact body" {
		t.Fatalf("expected %q, got %q", "artifact body", body)
	}
}

func TestGetArtifactMissingReturns404(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/artifacts/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
