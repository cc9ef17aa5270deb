package api

import (
	"io"
	"net/http"
	"strconv"
)

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	artifactID := r.PathValue("artifactID")
	if _, code, msg := s.auth.authorize(r, ownerOf(r), "read"); code != http.StatusOK {
		writeError(w, code, msg)
		return
	}

	meta, ok, err := s.store.GetArtifact(r.Context(), artifactID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	blob, err := s.artifacts.Get(r.Context(), meta.StorePath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "artifact blob unavailable: "+err.Error())
		return
	}
	defer blob.Close()

	w.Header().Set("Content-Type", meta.MimeType)
	if meta.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(meta.SizeBytes, 10))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, blob)
}
