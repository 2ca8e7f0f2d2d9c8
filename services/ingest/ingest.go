// Package ingest is the network-facing side of the artifact pipeline: it
// authenticates callers, accepts envelopes directly or through chunked
// upload sessions, stores them in the file-backed store, and schedules
// post-store processing.
package ingest

import (
	"context"
	"errors"
	"log"
	"sync"

	"evidenced/pkg/bus"
)

// Version is reported by the health endpoint.
const Version = "2.0.0"

// NATS subjects for artifact lifecycle events. Publishing is best-effort
// and only happens when a bus is configured.
const (
	artifactReceivedSubject  = "evidenced.artifacts.received"
	artifactProcessedSubject = "evidenced.artifacts.processed"
	artifactErrorSubject     = "evidenced.artifacts.error"
)

// ProcessFunc runs post-store analysis on an artifact. Returning an error
// marks the artifact "error"; it never reaches the submitting client.
type ProcessFunc func(ctx context.Context, a *StoredArtifact) error

// Options carries the optional collaborators of an API.
type Options struct {
	// Bus publishes lifecycle events when non-nil.
	Bus *bus.Bus
	// Logger receives operational log lines. Nil disables logging.
	Logger *log.Logger
	// Process is the post-store processing hook. Nil means the artifact
	// moves straight to processed.
	Process ProcessFunc
}

// API wires the auth gate, upload session manager, and store behind the
// HTTP handlers.
type API struct {
	store   *Store
	gate    *Gate
	uploads *Uploads
	bus     *bus.Bus
	logger  *log.Logger
	process ProcessFunc

	// tracks in-flight background processing tasks
	tasks sync.WaitGroup
}

// New validates the required collaborators and builds the API layer.
func New(store *Store, gate *Gate, uploads *Uploads, opts Options) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if gate == nil {
		return nil, errors.New("auth gate is required")
	}
	if uploads == nil {
		uploads = NewUploads(nil)
	}

	a := &API{
		store:   store,
		gate:    gate,
		uploads: uploads,
		bus:     opts.Bus,
		logger:  opts.Logger,
		process: opts.Process,
	}

	if gate.DevMode() {
		a.logf("WARN no shared secret configured: authentication is DISABLED, all login secrets are accepted")
	}
	return a, nil
}

// Wait blocks until all scheduled background processing has finished. Used
// by shutdown paths and tests; request handling never waits.
func (a *API) Wait() { a.tasks.Wait() }

func (a *API) logf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Printf(format, args...)
	}
}
