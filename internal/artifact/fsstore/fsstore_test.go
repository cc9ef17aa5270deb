package fsstore

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestPutThenGetRoundTrips(t *testing.T) {
	s := New(t.TempDir())
	storePath, err := s.Put(context.Background(), "action-1", "task-1", "output.txt", "text/plain", strings.NewReader("hello"), 5)
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	rc, err := s.Get(context.Background(), storePath)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
}

func TestGetRejectsNonFileURI(t *testing.T) {
	s := New(t.TempDir())
	if _, err := s.Get(context.Background(), "s3://bucket/key"); err == nil {
		t.Fatal("expected an error for a non-filesystem store path")
	}
}
