package ingest

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"evidenced/pkg/envelope"
)

// Session tracks one in-progress chunked transfer. Chunk payloads stay
// base64-encoded until finalize.
type Session struct {
	ID          string            `json:"id"`
	Metadata    envelope.Metadata `json:"metadata"`
	TotalChunks int               `json:"total_chunks"`
	Chunks      map[int]string    `json:"chunks"`
	CreatedAt   time.Time         `json:"created_at"`
	Owner       string            `json:"owner"`
}

// SessionStore keeps upload sessions between requests. Implementations only
// persist; all transfer semantics live in Uploads.
type SessionStore interface {
	Save(s *Session) error
	Get(id string) (*Session, bool, error)
	Delete(id string) error
	Count() (int, error)
}

// MemorySessions is the default store: fast, and lost on process restart
// along with every in-flight upload. Deployments that cannot accept that
// use FileSessions.
type MemorySessions struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemorySessions() *MemorySessions {
	return &MemorySessions{sessions: map[string]*Session{}}
}

func (m *MemorySessions) Save(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemorySessions) Get(id string) (*Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok, nil
}

func (m *MemorySessions) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemorySessions) Count() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions), nil
}

// FileSessions persists the whole session table to a single JSON file on
// every mutation, so in-flight chunked uploads survive a process restart.
// Chunk payloads are small relative to artifact files and uploads are
// low-frequency, so rewriting the snapshot per mutation is acceptable.
type FileSessions struct {
	mu       sync.Mutex
	path     string
	sessions map[string]*Session
}

func NewFileSessions(path string) (*FileSessions, error) {
	f := &FileSessions{path: path, sessions: map[string]*Session{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return f, nil
		}
		return nil, fmt.Errorf("read session snapshot: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &f.sessions); err != nil {
			return nil, fmt.Errorf("decode session snapshot: %w", err)
		}
	}
	return f, nil
}

func (f *FileSessions) Save(s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
	return f.flush()
}

func (f *FileSessions) Get(id string) (*Session, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	return s, ok, nil
}

func (f *FileSessions) Delete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	return f.flush()
}

func (f *FileSessions) Count() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions), nil
}

func (f *FileSessions) flush() error {
	data, err := json.Marshal(f.sessions)
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, data, 0o600)
}

// Uploads manages chunked transfer sessions: init creates, chunk mutates,
// finalize consumes. One mutex serializes all three so concurrent chunk
// writes to the same session never race.
type Uploads struct {
	mu    sync.Mutex
	store SessionStore
}

func NewUploads(store SessionStore) *Uploads {
	if store == nil {
		store = NewMemorySessions()
	}
	return &Uploads{store: store}
}

// Init opens a session for a transfer of totalChunks chunks owned by owner.
func (u *Uploads) Init(meta envelope.Metadata, totalChunks int, owner string) (*Session, error) {
	if totalChunks <= 0 {
		return nil, Errorf(KindValidation, "total_chunks must be positive, got %d", totalChunks)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	s := &Session{
		ID:          uuid.NewString(),
		Metadata:    meta,
		TotalChunks: totalChunks,
		Chunks:      map[int]string{},
		CreatedAt:   time.Now().UTC(),
		Owner:       owner,
	}
	if err := u.store.Save(s); err != nil {
		return nil, Errorf(KindStorage, "save session: %v", err)
	}
	return s, nil
}

// PutChunk records chunk number n for the session. Re-sending a chunk number
// overwrites the previous payload, making per-chunk retries idempotent.
// Sessions are owner-bound: a different identity is rejected.
func (u *Uploads) PutChunk(id, owner string, n int, data string) (received, total int, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	s, ok, err := u.store.Get(id)
	if err != nil {
		return 0, 0, Errorf(KindStorage, "load session: %v", err)
	}
	if !ok {
		return 0, 0, Errorf(KindNotFound, "upload session %s not found", id)
	}
	if s.Owner != owner {
		return 0, 0, Errorf(KindAuthorization, "upload session %s belongs to another identity", id)
	}
	if n < 0 || n >= s.TotalChunks {
		return 0, 0, Errorf(KindValidation, "chunk number %d outside range 0..%d", n, s.TotalChunks-1)
	}

	s.Chunks[n] = data
	if err := u.store.Save(s); err != nil {
		return 0, 0, Errorf(KindStorage, "save session: %v", err)
	}
	return len(s.Chunks), s.TotalChunks, nil
}

// Finalize reassembles the session payload: chunks concatenated in numeric
// order, each base64-decoded, the result decoded as an envelope. Exactly
// TotalChunks chunks must have been received. Finalize never consumes the
// session; the caller calls Discard once the artifact is durably stored, so
// any failure up to that point can be retried.
func (u *Uploads) Finalize(id, owner string) (*envelope.Envelope, *Session, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	s, ok, err := u.store.Get(id)
	if err != nil {
		return nil, nil, Errorf(KindStorage, "load session: %v", err)
	}
	if !ok {
		return nil, nil, Errorf(KindNotFound, "upload session %s not found", id)
	}
	if s.Owner != owner {
		return nil, nil, Errorf(KindAuthorization, "upload session %s belongs to another identity", id)
	}
	if len(s.Chunks) != s.TotalChunks {
		return nil, nil, Errorf(KindValidation,
			"missing chunks: received %d, expected %d", len(s.Chunks), s.TotalChunks)
	}

	var payload []byte
	for i := 0; i < s.TotalChunks; i++ {
		encoded, ok := s.Chunks[i]
		if !ok {
			return nil, nil, Errorf(KindValidation, "chunk %d missing", i)
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, nil, Errorf(KindValidation, "chunk %d is not valid base64: %v", i, err)
		}
		payload = append(payload, raw...)
	}

	var env envelope.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, nil, Errorf(KindValidation, "reassembled payload is not a valid envelope: %v", err)
	}

	return &env, s, nil
}

// Discard removes a consumed session. Unknown ids are a no-op.
func (u *Uploads) Discard(id string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.store.Delete(id); err != nil {
		return Errorf(KindStorage, "delete session: %v", err)
	}
	return nil
}

// Active reports the number of open sessions.
func (u *Uploads) Active() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n, err := u.store.Count()
	if err != nil {
		return 0
	}
	return n
}

