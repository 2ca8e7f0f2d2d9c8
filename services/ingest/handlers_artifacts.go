package ingest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"evidenced/pkg/envelope"
)

// Upload methods recorded on stored artifacts.
const (
	uploadDirect  = "direct"
	uploadChunked = "chunked"
)

func (a *API) handleCreateArtifact(w http.ResponseWriter, r *http.Request) {
	var env envelope.Envelope
	if err := decodeJSON(r, &env); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	a.acceptEnvelope(w, r, &env, uploadDirect)
}

// acceptEnvelope stores an envelope received by either transmission path,
// schedules background processing, and answers with the assigned id. It
// reports whether the artifact was stored so the chunked path knows when
// its session may be discarded.
func (a *API) acceptEnvelope(w http.ResponseWriter, r *http.Request, env *envelope.Envelope, method string) bool {
	if env.Metadata.ContainerID == "" {
		respondFault(w, Errorf(KindValidation, "metadata.container_id is required"))
		return false
	}

	artifact := &StoredArtifact{
		ID:                  uuid.NewString(),
		ContainerID:         env.Metadata.ContainerID,
		CollectionTimestamp: env.Metadata.CollectionTimestamp,
		CollectionHost:      env.Metadata.CollectionHost,
		CollectionUser:      env.Metadata.CollectionUser,
		ArtifactCount:       env.Metadata.ArtifactCount,
		Checksum:            env.Metadata.Checksum,
		Errors:              env.Metadata.Errors,
		CreatedAt:           time.Now().UTC(),
		CreatedBy:           subjectOf(r),
		Status:              StatusReceived,
		UploadMethod:        method,
		Artifacts:           env.Artifacts,
	}

	if _, err := a.store.Put(artifact); err != nil {
		respondFault(w, err)
		return false
	}

	artifactsReceived.WithLabelValues(method).Inc()
	a.publishEvent(r.Context(), artifactReceivedSubject, artifact)
	a.scheduleProcessing(artifact.ID)

	a.logf("created artifact %s for container %s by %s (%s)",
		artifact.ID, artifact.ContainerID, artifact.CreatedBy, method)

	respondJSON(w, http.StatusCreated, map[string]any{
		"id":           artifact.ID,
		"message":      "Artifact received successfully",
		"status":       artifact.Status,
		"container_id": artifact.ContainerID,
	})
	return true
}

func (a *API) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	artifact, err := a.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, artifact)
}

func (a *API) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 100)
	offset := intParam(q.Get("offset"), 0)
	// The store treats a non-positive limit as the default; clamp here so
	// the echoed limit matches the one applied.
	if limit <= 0 {
		limit = 100
	}

	artifacts, err := a.store.List(q.Get("container_id"), limit, offset)
	if err != nil {
		respondFault(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"artifacts": artifacts,
		"count":     len(artifacts),
		"limit":     limit,
		"offset":    offset,
	})
}

func (a *API) handleDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	removed, err := a.store.Delete(id)
	if err != nil {
		respondFault(w, err)
		return
	}
	if !removed {
		respondFault(w, Errorf(KindNotFound, "artifact %s not found", id))
		return
	}

	a.logf("deleted artifact %s by %s", id, subjectOf(r))
	respondJSON(w, http.StatusOK, map[string]any{
		"message": "Artifact " + id + " deleted successfully",
	})
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
