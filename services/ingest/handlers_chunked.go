package ingest

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"evidenced/pkg/envelope"
)

func (a *API) handleChunkedInit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Metadata    envelope.Metadata `json:"metadata"`
		TotalChunks int               `json:"total_chunks"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	session, err := a.uploads.Init(req.Metadata, req.TotalChunks, subjectOf(r))
	if err != nil {
		respondFault(w, err)
		return
	}

	activeSessions.Set(float64(a.uploads.Active()))
	a.logf("initialized chunked upload session %s (%d chunks) for container %s",
		session.ID, session.TotalChunks, session.Metadata.ContainerID)

	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": session.ID,
		"message":    "Chunked upload session initialized",
	})
}

func (a *API) handleChunk(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")

	var req struct {
		ChunkNumber int    `json:"chunk_number"`
		ChunkData   string `json:"chunk_data"`
		IsLast      bool   `json:"is_last"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	received, total, err := a.uploads.PutChunk(sessionID, subjectOf(r), req.ChunkNumber, req.ChunkData)
	if err != nil {
		respondFault(w, err)
		return
	}

	chunksReceived.Inc()
	a.logf("received chunk %d/%d for session %s", req.ChunkNumber+1, total, sessionID)

	respondJSON(w, http.StatusOK, map[string]any{
		"message":         "Chunk received",
		"chunks_received": received,
		"total_chunks":    total,
	})
}

func (a *API) handleChunkedFinalize(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")

	env, session, err := a.uploads.Finalize(sessionID, subjectOf(r))
	if err != nil {
		respondFault(w, err)
		return
	}

	// The reassembled body is the artifact of record; metadata submitted
	// at init only fills in when the body carried none.
	if env.Metadata.ContainerID == "" {
		env.Metadata = session.Metadata
	}

	// The session is consumed only once the artifact is stored; a rejected
	// or failed store leaves it intact for a finalize retry.
	if !a.acceptEnvelope(w, r, env, uploadChunked) {
		return
	}

	if err := a.uploads.Discard(sessionID); err != nil {
		a.logf("WARN discarding finalized session %s: %v", sessionID, err)
	}
	activeSessions.Set(float64(a.uploads.Active()))
	a.logf("finalized chunked upload session %s for container %s", sessionID, env.Metadata.ContainerID)
}
