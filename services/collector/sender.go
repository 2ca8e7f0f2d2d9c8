package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"evidenced/pkg/envelope"
)

const (
	userAgent          = "evidenced/2.0"
	healthCheckTimeout = 5 * time.Second
)

// Result reports the outcome of one transmission attempt sequence.
type Result struct {
	Success    bool
	ArtifactID string
	Message    string
	StatusCode int
	Err        error
}

// Sender gets envelopes from the collecting host to the ingest service. It
// authenticates with the shared secret, caches the issued token, picks
// direct or chunked transmission by payload size, and retries transient
// failures with exponential backoff. Each Sender owns its token and HTTP
// client; instances are safe to use from one goroutine at a time.
type Sender struct {
	baseURL    string
	apiKey     string
	retryCount int
	chunkSize  int

	client *http.Client
	logger *log.Logger
	token  string

	// sleep is swapped out in tests to avoid real backoff delays.
	sleep func(time.Duration)
}

func NewSender(cfg APIServerConfig, logger *log.Logger) *Sender {
	return &Sender{
		baseURL:    cfg.URL,
		apiKey:     cfg.APIKey,
		retryCount: cfg.RetryCount,
		chunkSize:  cfg.ChunkSize(),
		client:     &http.Client{Timeout: cfg.Timeout()},
		logger:     logger,
		sleep:      time.Sleep,
	}
}

// Login exchanges the shared secret for a token. It is a no-op when a token
// is already cached and fails closed when no secret is configured.
func (s *Sender) Login(ctx context.Context) error {
	if s.token != "" {
		return nil
	}
	if s.apiKey == "" {
		return fmt.Errorf("API key is not configured")
	}

	status, body, err := s.postJSON(ctx, s.baseURL+"/api/v1/auth/login", map[string]any{
		"api_key": s.apiKey,
	})
	if err != nil {
		return fmt.Errorf("connect to login endpoint: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("authentication failed: status %d: %s", status, body)
	}

	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.AccessToken == "" {
		return fmt.Errorf("login response carried no access token")
	}

	s.token = resp.AccessToken
	s.logf("authenticated with ingest service at %s", s.baseURL)
	return nil
}

// Transmit sends one envelope, choosing direct or chunked transmission by
// the canonical encoded size against the configured chunk threshold.
func (s *Sender) Transmit(ctx context.Context, env *envelope.Envelope) Result {
	if err := s.Login(ctx); err != nil {
		return Result{Err: fmt.Errorf("authentication failed: %w", err)}
	}

	payload, err := envelope.Canonical(env)
	if err != nil {
		return Result{Err: fmt.Errorf("encode envelope: %w", err)}
	}

	if len(payload) > s.chunkSize {
		return s.sendChunked(ctx, payload, env.Metadata)
	}
	return s.sendDirect(ctx, payload, env.Metadata)
}

// sendDirect POSTs the whole envelope, up to retryCount attempts with
// 2^attempt-second backoff. One 401 forces a single re-authentication and
// a retry of the same attempt; a 413 switches to chunked transmission
// without burning the remaining attempts.
func (s *Sender) sendDirect(ctx context.Context, payload []byte, meta envelope.Metadata) Result {
	endpoint := s.baseURL + "/api/v1/artifacts"
	var lastErr error

	for attempt := 0; attempt < s.retryCount; attempt++ {
		s.logf("sending artifacts to %s (attempt %d/%d)", endpoint, attempt+1, s.retryCount)

		reauthed := false
		for {
			status, body, err := s.postRaw(ctx, endpoint, payload)
			if err != nil {
				lastErr = fmt.Errorf("request failed: %w", err)
				s.logf("WARN %v", lastErr)
				break
			}

			switch {
			case status == http.StatusOK || status == http.StatusCreated:
				return successResult(status, body)

			case status == http.StatusUnauthorized:
				if reauthed {
					return Result{StatusCode: status, Err: fmt.Errorf("re-authentication failed")}
				}
				s.logf("WARN received 401, token may have expired; re-authenticating")
				reauthed = true
				s.token = ""
				if err := s.Login(ctx); err != nil {
					return Result{StatusCode: status, Err: fmt.Errorf("re-authentication failed: %w", err)}
				}
				// Retry the same attempt without consuming a backoff slot.
				continue

			case status == http.StatusRequestEntityTooLarge:
				s.logf("WARN payload too large, switching to chunked upload")
				return s.sendChunked(ctx, payload, meta)

			default:
				lastErr = fmt.Errorf("server returned status %d: %s", status, body)
				s.logf("WARN %v", lastErr)
			}
			break
		}

		if attempt < s.retryCount-1 {
			wait := backoff(attempt)
			s.logf("retrying in %s", wait)
			s.sleep(wait)
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("max retries exceeded")
	}
	return Result{Err: lastErr}
}

// sendChunked runs the init / chunk / finalize flow. A 401 at any step
// forces one re-authentication and restarts the flow from init. Any chunk
// failure aborts the whole session; there is no partial-session resume.
func (s *Sender) sendChunked(ctx context.Context, payload []byte, meta envelope.Metadata) Result {
	return s.sendChunkedOnce(ctx, payload, meta, false)
}

func (s *Sender) sendChunkedOnce(ctx context.Context, payload []byte, meta envelope.Metadata, reauthed bool) Result {
	restart := func(status int) Result {
		if reauthed {
			return Result{StatusCode: status, Err: fmt.Errorf("re-authentication failed")}
		}
		s.logf("WARN chunked upload hit 401; re-authenticating and restarting")
		s.token = ""
		if err := s.Login(ctx); err != nil {
			return Result{StatusCode: status, Err: fmt.Errorf("re-authentication failed: %w", err)}
		}
		return s.sendChunkedOnce(ctx, payload, meta, true)
	}

	total := envelope.ChunkCount(len(payload), s.chunkSize)
	status, body, err := s.postJSON(ctx, s.baseURL+"/api/v1/artifacts/chunked/init", map[string]any{
		"metadata":     meta,
		"total_chunks": total,
	})
	if err != nil {
		return Result{Err: fmt.Errorf("initialize chunked upload: %w", err)}
	}
	if status == http.StatusUnauthorized {
		return restart(status)
	}
	if status != http.StatusOK {
		return Result{StatusCode: status, Err: fmt.Errorf("initialize chunked upload: status %d: %s", status, body)}
	}

	var initResp struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &initResp); err != nil || initResp.SessionID == "" {
		return Result{Err: fmt.Errorf("init response carried no session id")}
	}

	chunks := envelope.SplitChunks(payload, s.chunkSize)
	chunkURL := fmt.Sprintf("%s/api/v1/artifacts/chunked/%s/chunk", s.baseURL, initResp.SessionID)
	for i, chunk := range chunks {
		status, body, err := s.postJSON(ctx, chunkURL, map[string]any{
			"chunk_number": i,
			"chunk_data":   chunk,
			"is_last":      i == len(chunks)-1,
		})
		if err != nil {
			return Result{Err: fmt.Errorf("upload chunk %d: %w", i, err)}
		}
		if status == http.StatusUnauthorized {
			return restart(status)
		}
		if status != http.StatusOK {
			return Result{StatusCode: status, Err: fmt.Errorf("upload chunk %d: status %d: %s", i, status, body)}
		}
		s.logf("uploaded chunk %d/%d", i+1, len(chunks))
	}

	finalizeURL := fmt.Sprintf("%s/api/v1/artifacts/chunked/%s/finalize", s.baseURL, initResp.SessionID)
	status, body, err = s.postJSON(ctx, finalizeURL, nil)
	if err != nil {
		return Result{Err: fmt.Errorf("finalize upload: %w", err)}
	}
	if status == http.StatusUnauthorized {
		return restart(status)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return Result{StatusCode: status, Err: fmt.Errorf("finalize upload: status %d: %s", status, body)}
	}

	res := successResult(status, body)
	res.Message = "Chunked upload successful"
	return res
}

// Health probes the ingest service with a short timeout so callers can skip
// transmission when the service is known down.
func (s *Sender) Health(ctx context.Context) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/v1/health", nil)
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Sprintf("server returned status %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	return true, string(body)
}

// Status fetches a previously stored artifact by id.
func (s *Sender) Status(ctx context.Context, artifactID string) (map[string]any, error) {
	if err := s.Login(ctx); err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/v1/artifacts/"+artifactID, nil)
	if err != nil {
		return nil, err
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch resp.StatusCode {
	case http.StatusOK:
		var out map[string]any
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("decode status response: %w", err)
		}
		return out, nil
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("authentication failed: check API key or token")
	default:
		return nil, fmt.Errorf("get status: server returned %d", resp.StatusCode)
	}
}

func (s *Sender) postJSON(ctx context.Context, url string, payload any) (int, []byte, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
	}
	return s.postRaw(ctx, url, body)
}

func (s *Sender) postRaw(ctx context.Context, url string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func (s *Sender) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
}

func (s *Sender) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func successResult(status int, body []byte) Result {
	var resp struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &resp)
	return Result{
		Success:    true,
		ArtifactID: resp.ID,
		Message:    resp.Message,
		StatusCode: status,
	}
}

func backoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}
