package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"evidenced/pkg/envelope"
)

// Artifact lifecycle statuses. An artifact is stored as "received", moved
// through "processing" by the background task, and ends at "processed" or
// "error".
const (
	StatusReceived   = "received"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusError      = "error"
)

// StoredArtifact is an envelope plus the fields the server assigns at store
// time. The id is the only external reference to it.
type StoredArtifact struct {
	ID                  string                    `json:"id"`
	ContainerID         string                    `json:"container_id"`
	CollectionTimestamp string                    `json:"collection_timestamp"`
	CollectionHost      string                    `json:"collection_host"`
	CollectionUser      string                    `json:"collection_user,omitempty"`
	ArtifactCount       int                       `json:"artifact_count"`
	Checksum            string                    `json:"checksum"`
	Errors              []envelope.CollectorError `json:"errors,omitempty"`
	CreatedAt           time.Time                 `json:"created_at"`
	CreatedBy           string                    `json:"created_by"`
	Status              string                    `json:"status"`
	Error               string                    `json:"error,omitempty"`
	UpdatedAt           *time.Time                `json:"updated_at,omitempty"`
	UploadMethod        string                    `json:"upload_method,omitempty"`
	Artifacts           envelope.Document         `json:"artifacts"`
}

// indexEntry is the denormalized projection of a stored artifact kept in
// index.json so listings never open artifact files.
type indexEntry struct {
	ContainerID         string    `json:"container_id"`
	CollectionTimestamp string    `json:"collection_timestamp"`
	CreatedAt           time.Time `json:"created_at"`
	Status              string    `json:"status"`
}

// ArtifactSummary is one row of a listing.
type ArtifactSummary struct {
	ID                  string    `json:"id"`
	ContainerID         string    `json:"container_id"`
	CollectionTimestamp string    `json:"collection_timestamp"`
	CreatedAt           time.Time `json:"created_at"`
	Status              string    `json:"status"`
}

// StoreHealth reports the result of a health probe.
type StoreHealth struct {
	Status        string `json:"status"`
	ArtifactCount int    `json:"artifact_count,omitempty"`
	Path          string `json:"db_path,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Store is a file-backed artifact store: one JSON file per artifact under
// <dir>/artifacts plus a single index.json mapping id to summary. One mutex
// serializes every operation, reads included, so the index read-modify-write
// is never interleaved with another writer and readers never observe a torn
// index file.
type Store struct {
	mu           sync.Mutex
	dir          string
	artifactsDir string
	indexPath    string
	logger       *log.Logger
}

// NewStore initialises the storage layout under dir, creating the artifacts
// directory and an empty index if absent.
func NewStore(dir string, logger *log.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store directory is required")
	}

	s := &Store{
		dir:          dir,
		artifactsDir: filepath.Join(dir, "artifacts"),
		indexPath:    filepath.Join(dir, "index.json"),
		logger:       logger,
	}

	if err := os.MkdirAll(s.artifactsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	if _, err := os.Stat(s.indexPath); errors.Is(err, fs.ErrNotExist) {
		if err := s.saveIndex(map[string]indexEntry{}); err != nil {
			return nil, fmt.Errorf("create index: %w", err)
		}
	}

	return s, nil
}

// Put writes the artifact file and upserts its index entry under one lock
// acquisition.
func (s *Store) Put(a *StoredArtifact) (string, error) {
	if a.ID == "" {
		return "", Errorf(KindValidation, "artifact id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return "", Errorf(KindStorage, "load index: %v", err)
	}

	if err := s.writeArtifact(a); err != nil {
		return "", Errorf(KindStorage, "write artifact %s: %v", a.ID, err)
	}

	index[a.ID] = indexEntry{
		ContainerID:         a.ContainerID,
		CollectionTimestamp: a.CollectionTimestamp,
		CreatedAt:           a.CreatedAt,
		Status:              a.Status,
	}
	if err := s.saveIndex(index); err != nil {
		// Without an index entry the artifact file would be an invisible
		// orphan; remove it so file and index stay consistent.
		_ = os.Remove(s.artifactPath(a.ID))
		return "", Errorf(KindStorage, "save index: %v", err)
	}

	if s.logger != nil {
		s.logger.Printf("stored artifact %s for container %s", a.ID, a.ContainerID)
	}
	return a.ID, nil
}

// Get returns the full stored artifact, or a NotFound error.
func (s *Store) Get(id string) (*StoredArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readArtifact(id)
}

// List returns summaries filtered by container id (when non-empty), sorted
// by creation time descending, then paginated by offset and limit.
func (s *Store) List(containerID string, limit, offset int) ([]ArtifactSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, Errorf(KindStorage, "load index: %v", err)
	}

	rows := make([]ArtifactSummary, 0, len(index))
	for id, entry := range index {
		if containerID != "" && entry.ContainerID != containerID {
			continue
		}
		rows = append(rows, ArtifactSummary{
			ID:                  id,
			ContainerID:         entry.ContainerID,
			CollectionTimestamp: entry.CollectionTimestamp,
			CreatedAt:           entry.CreatedAt,
			Status:              entry.Status,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})

	if offset >= len(rows) {
		return []ArtifactSummary{}, nil
	}
	rows = rows[offset:]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// UpdateStatus transitions an artifact's status, stamping updated_at and
// recording the optional error detail on both the artifact file and the
// index entry. Unknown ids are a no-op.
func (s *Store) UpdateStatus(id, status, errDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.readArtifact(id)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return nil
		}
		return err
	}

	now := time.Now().UTC()
	a.Status = status
	a.UpdatedAt = &now
	if errDetail != "" {
		a.Error = errDetail
	}
	if err := s.writeArtifact(a); err != nil {
		return Errorf(KindStorage, "write artifact %s: %v", id, err)
	}

	index, err := s.loadIndex()
	if err != nil {
		return Errorf(KindStorage, "load index: %v", err)
	}
	if entry, ok := index[id]; ok {
		entry.Status = status
		index[id] = entry
		if err := s.saveIndex(index); err != nil {
			return Errorf(KindStorage, "save index: %v", err)
		}
	}
	return nil
}

// Delete removes the artifact file and its index entry together. It reports
// false when the id was absent.
func (s *Store) Delete(id string) (bool, error) {
	if !validID(id) {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.artifactPath(id)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		return false, Errorf(KindStorage, "remove artifact %s: %v", id, err)
	}

	index, err := s.loadIndex()
	if err != nil {
		return false, Errorf(KindStorage, "load index: %v", err)
	}
	delete(index, id)
	if err := s.saveIndex(index); err != nil {
		return false, Errorf(KindStorage, "save index: %v", err)
	}
	return true, nil
}

// Health probes the storage layout: path existence, writability, artifact
// count. It never mutates state.
func (s *Store) Health() StoreHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.dir); err != nil {
		return StoreHealth{Status: "unhealthy", Error: "storage path does not exist"}
	}

	probe := filepath.Join(s.dir, ".writecheck")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return StoreHealth{Status: "unhealthy", Error: "storage path is not writable"}
	}
	_ = os.Remove(probe)

	count := 0
	entries, err := os.ReadDir(s.artifactsDir)
	if err != nil {
		return StoreHealth{Status: "unhealthy", Error: err.Error()}
	}
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			count++
		}
	}

	return StoreHealth{Status: "healthy", ArtifactCount: count, Path: s.dir}
}

func (s *Store) artifactPath(id string) string {
	return filepath.Join(s.artifactsDir, id+".json")
}

// validID rejects ids that could escape the artifacts directory. Ids are
// server-assigned UUIDs, so anything with path syntax is hostile input.
func validID(id string) bool {
	return id != "" && id == filepath.Base(id) && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}

func (s *Store) readArtifact(id string) (*StoredArtifact, error) {
	if !validID(id) {
		return nil, Errorf(KindNotFound, "artifact %s not found", id)
	}
	data, err := os.ReadFile(s.artifactPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Errorf(KindNotFound, "artifact %s not found", id)
	}
	if err != nil {
		return nil, Errorf(KindStorage, "read artifact %s: %v", id, err)
	}
	var a StoredArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, Errorf(KindStorage, "decode artifact %s: %v", id, err)
	}
	return &a, nil
}

func (s *Store) writeArtifact(a *StoredArtifact) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.artifactPath(a.ID), data, 0o644)
}

func (s *Store) loadIndex() (map[string]indexEntry, error) {
	data, err := os.ReadFile(s.indexPath)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]indexEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return map[string]indexEntry{}, nil
	}
	var index map[string]indexEntry
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, err
	}
	return index, nil
}

func (s *Store) saveIndex(index map[string]indexEntry) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.indexPath, data, 0o644)
}
