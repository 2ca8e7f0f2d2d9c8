package collector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"evidenced/pkg/envelope"
)

// fakeIngest is a scriptable stand-in for the ingest service. Handlers may
// be nil, in which case the default success behavior applies.
type fakeIngest struct {
	mu sync.Mutex

	loginCalls  int
	directCalls int
	initCalls   int
	chunks      map[int]string
	finalized   bool

	onDirect func(call int) (int, any)
	onInit   func(call int) (int, any)
}

func newFakeIngest(t *testing.T) (*fakeIngest, *httptest.Server) {
	t.Helper()
	f := &fakeIngest{chunks: map[int]string{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.loginCalls++
		call := f.loginCalls
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "token-" + string(rune('0'+call)),
			"token_type":   "bearer",
		})
	})
	mux.HandleFunc("/api/v1/artifacts", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.directCalls++
		call := f.directCalls
		hook := f.onDirect
		f.mu.Unlock()
		if hook != nil {
			status, body := hook(call)
			writeJSON(w, status, body)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": "artifact-1", "message": "stored"})
	})
	mux.HandleFunc("/api/v1/artifacts/chunked/init", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.initCalls++
		call := f.initCalls
		hook := f.onInit
		f.mu.Unlock()
		if hook != nil {
			status, body := hook(call)
			writeJSON(w, status, body)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session_id": "sess-1"})
	})
	mux.HandleFunc("/api/v1/artifacts/chunked/sess-1/chunk", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ChunkNumber int    `json:"chunk_number"`
			ChunkData   string `json:"chunk_data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"detail": err.Error()})
			return
		}
		f.mu.Lock()
		f.chunks[req.ChunkNumber] = req.ChunkData
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"message": "Chunk received"})
	})
	mux.HandleFunc("/api/v1/artifacts/chunked/sess-1/finalize", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.finalized = true
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, map[string]any{"id": "artifact-chunked", "message": "stored"})
	})
	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return f, server
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// newTestSender builds a Sender against the fake server with recorded
// sleeps instead of real backoff.
func newTestSender(t *testing.T, serverURL string) (*Sender, *[]time.Duration) {
	t.Helper()
	var slept []time.Duration
	s := NewSender(APIServerConfig{
		URL:            serverURL,
		APIKey:         "collector-secret",
		TimeoutSeconds: 5,
		RetryCount:     3,
		ChunkSizeMB:    1,
	}, nil)
	s.sleep = func(d time.Duration) { slept = append(slept, d) }
	return s, &slept
}

func testEnvelope(t *testing.T) *envelope.Envelope {
	t.Helper()
	s := envelope.NewSerializer("collector-host", "root")
	env, err := s.Serialize("abc123def456789", envelope.Document{
		"runtime": {"processes": []any{"init"}},
	})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	return env
}

func TestLoginFailsClosedWithoutKey(t *testing.T) {
	_, server := newFakeIngest(t)
	s, _ := newTestSender(t, server.URL)
	s.apiKey = ""

	if err := s.Login(context.Background()); err == nil {
		t.Fatal("Login succeeded with no API key configured")
	}

	res := s.Transmit(context.Background(), testEnvelope(t))
	if res.Success || res.Err == nil {
		t.Fatalf("Transmit without credentials = %+v", res)
	}
}

func TestTransmitDirect(t *testing.T) {
	f, server := newFakeIngest(t)
	s, slept := newTestSender(t, server.URL)

	res := s.Transmit(context.Background(), testEnvelope(t))
	if !res.Success || res.ArtifactID != "artifact-1" {
		t.Fatalf("Transmit = %+v", res)
	}
	if f.directCalls != 1 || f.loginCalls != 1 {
		t.Fatalf("direct=%d login=%d, want 1/1", f.directCalls, f.loginCalls)
	}
	if len(*slept) != 0 {
		t.Fatalf("slept %v on a clean send", *slept)
	}

	// The token is cached across transmissions.
	res = s.Transmit(context.Background(), testEnvelope(t))
	if !res.Success {
		t.Fatalf("second Transmit = %+v", res)
	}
	if f.loginCalls != 1 {
		t.Fatalf("login called %d times, want 1", f.loginCalls)
	}
}

func TestTransmitReauthAfter401(t *testing.T) {
	f, server := newFakeIngest(t)
	s, slept := newTestSender(t, server.URL)

	f.onDirect = func(call int) (int, any) {
		if call == 1 {
			return http.StatusUnauthorized, map[string]any{"detail": "token expired"}
		}
		return http.StatusCreated, map[string]any{"id": "artifact-2"}
	}

	res := s.Transmit(context.Background(), testEnvelope(t))
	if !res.Success || res.ArtifactID != "artifact-2" {
		t.Fatalf("Transmit = %+v", res)
	}
	if f.loginCalls != 2 {
		t.Fatalf("login called %d times, want 2 (initial plus re-auth)", f.loginCalls)
	}
	// The 401 retry happens within the same attempt and never sleeps.
	if len(*slept) != 0 {
		t.Fatalf("slept %v during re-auth retry", *slept)
	}
}

func TestTransmitPersistent401Fails(t *testing.T) {
	f, server := newFakeIngest(t)
	s, _ := newTestSender(t, server.URL)

	f.onDirect = func(call int) (int, any) {
		return http.StatusUnauthorized, map[string]any{"detail": "nope"}
	}

	res := s.Transmit(context.Background(), testEnvelope(t))
	if res.Success || res.Err == nil {
		t.Fatalf("Transmit = %+v, want failure", res)
	}
	// One re-auth only, then give up.
	if f.directCalls != 2 {
		t.Fatalf("direct called %d times, want 2", f.directCalls)
	}
}

func TestTransmitSwitchesToChunkedOn413(t *testing.T) {
	f, server := newFakeIngest(t)
	s, slept := newTestSender(t, server.URL)

	f.onDirect = func(call int) (int, any) {
		return http.StatusRequestEntityTooLarge, map[string]any{"detail": "too large"}
	}

	res := s.Transmit(context.Background(), testEnvelope(t))
	if !res.Success || res.ArtifactID != "artifact-chunked" {
		t.Fatalf("Transmit = %+v", res)
	}
	if f.initCalls != 1 || !f.finalized {
		t.Fatalf("chunked flow did not run: init=%d finalized=%v", f.initCalls, f.finalized)
	}
	if len(*slept) != 0 {
		t.Fatalf("slept %v while switching transports", *slept)
	}
}

func TestTransmitRetriesWithBackoff(t *testing.T) {
	f, server := newFakeIngest(t)
	s, slept := newTestSender(t, server.URL)

	f.onDirect = func(call int) (int, any) {
		return http.StatusInternalServerError, map[string]any{"detail": "boom"}
	}

	res := s.Transmit(context.Background(), testEnvelope(t))
	if res.Success || res.Err == nil {
		t.Fatalf("Transmit = %+v, want failure", res)
	}
	if f.directCalls != 3 {
		t.Fatalf("direct called %d times, want 3", f.directCalls)
	}
	want := []time.Duration{1 * time.Second, 2 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("slept %v, want %v", *slept, want)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Fatalf("backoff %d = %v, want %v", i, (*slept)[i], d)
		}
	}
	if !strings.Contains(res.Err.Error(), "status 500") {
		t.Fatalf("error %v does not carry the last status", res.Err)
	}
}

func TestTransmitChunkedByThreshold(t *testing.T) {
	f, server := newFakeIngest(t)
	s, _ := newTestSender(t, server.URL)
	s.chunkSize = 64

	env := testEnvelope(t)
	payload, err := envelope.Canonical(env)
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	if len(payload) <= s.chunkSize {
		t.Fatalf("payload too small for this test: %d bytes", len(payload))
	}

	res := s.Transmit(context.Background(), env)
	if !res.Success || res.ArtifactID != "artifact-chunked" {
		t.Fatalf("Transmit = %+v", res)
	}
	if f.directCalls != 0 {
		t.Fatal("direct endpoint used despite oversize payload")
	}

	// The fake recorded every chunk; reassembling them must give back the
	// canonical payload.
	want := envelope.ChunkCount(len(payload), s.chunkSize)
	if len(f.chunks) != want {
		t.Fatalf("server saw %d chunks, want %d", len(f.chunks), want)
	}
	var rebuilt []byte
	for i := 0; i < want; i++ {
		data, err := base64.StdEncoding.DecodeString(f.chunks[i])
		if err != nil {
			t.Fatalf("chunk %d not base64: %v", i, err)
		}
		rebuilt = append(rebuilt, data...)
	}
	if string(rebuilt) != string(payload) {
		t.Fatal("reassembled chunks differ from the canonical payload")
	}
}

func TestChunkedReauthRestartsFromInit(t *testing.T) {
	f, server := newFakeIngest(t)
	s, _ := newTestSender(t, server.URL)
	s.chunkSize = 64

	f.onInit = func(call int) (int, any) {
		if call == 1 {
			return http.StatusUnauthorized, map[string]any{"detail": "token expired"}
		}
		return http.StatusOK, map[string]any{"session_id": "sess-1"}
	}

	res := s.Transmit(context.Background(), testEnvelope(t))
	if !res.Success {
		t.Fatalf("Transmit = %+v", res)
	}
	if f.initCalls != 2 {
		t.Fatalf("init called %d times, want 2", f.initCalls)
	}
	if f.loginCalls != 2 {
		t.Fatalf("login called %d times, want 2", f.loginCalls)
	}
}

func TestHealth(t *testing.T) {
	_, server := newFakeIngest(t)
	s, _ := newTestSender(t, server.URL)

	ok, detail := s.Health(context.Background())
	if !ok {
		t.Fatalf("Health = false: %s", detail)
	}

	server.Close()
	ok, _ = s.Health(context.Background())
	if ok {
		t.Fatal("Health reported a closed server as healthy")
	}
}
