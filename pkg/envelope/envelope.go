// Package envelope builds, persists, and loads forensic artifact bundles.
//
// An envelope wraps one collection run: the raw artifact document produced by
// the collectors plus metadata describing the run (host, user, timestamp,
// aggregated collector errors, and a SHA-256 checksum over the canonical
// encoding). Envelopes are immutable once serialized; server-assigned fields
// live on the ingest side, not here.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// FormatVersion tags the envelope layout. Bumped only on incompatible changes.
const FormatVersion = "2.0"

// Document is the combined collector output: collector name to a mapping of
// field name to an arbitrary JSON-representable value. A collector may report
// its own failures under the "errors" key; Serialize lifts those into the
// envelope metadata.
type Document map[string]map[string]any

// CollectorError records a single failure reported by a named collector.
type CollectorError struct {
	Collector string `json:"collector"`
	Error     string `json:"error"`
}

// Metadata describes one collection run.
type Metadata struct {
	Version             string           `json:"version"`
	ContainerID         string           `json:"container_id"`
	CollectionTimestamp string           `json:"collection_timestamp"`
	CollectionHost      string           `json:"collection_host"`
	CollectionUser      string           `json:"collection_user,omitempty"`
	ArtifactCount       int              `json:"artifact_count"`
	Errors              []CollectorError `json:"errors"`
	Checksum            string           `json:"checksum,omitempty"`
}

// Envelope is the unit of transmission and storage: one metadata block plus
// the artifact document it describes.
type Envelope struct {
	Metadata  Metadata `json:"metadata"`
	Artifacts Document `json:"artifacts"`
}

// Serializer turns collector output into envelopes. Host and User identify
// the collecting machine and operator; Now is overridable for tests.
type Serializer struct {
	Host string
	User string
	Now  func() time.Time
}

func NewSerializer(host, user string) *Serializer {
	return &Serializer{Host: host, User: user, Now: time.Now}
}

// Serialize wraps doc in an envelope: it aggregates every collector's
// reported errors into one list (ordered by collector name, then report
// order) and computes the checksum over the canonical encoding with the
// checksum field itself absent.
func (s *Serializer) Serialize(containerID string, doc Document) (*Envelope, error) {
	if containerID == "" {
		return nil, fmt.Errorf("container id is required")
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	env := &Envelope{
		Metadata: Metadata{
			Version:             FormatVersion,
			ContainerID:         containerID,
			CollectionTimestamp: now().Format(time.RFC3339),
			CollectionHost:      s.Host,
			CollectionUser:      s.User,
			ArtifactCount:       len(doc),
			Errors:              collectErrors(doc),
		},
		Artifacts: doc,
	}

	sum, err := checksum(env)
	if err != nil {
		return nil, fmt.Errorf("compute checksum: %w", err)
	}
	env.Metadata.Checksum = sum

	return env, nil
}

// Verify recomputes the checksum of env and reports whether it matches the
// stored one. Envelopes without a stored checksum verify trivially.
func Verify(env *Envelope) (bool, error) {
	if env.Metadata.Checksum == "" {
		return true, nil
	}
	sum, err := checksum(env)
	if err != nil {
		return false, err
	}
	return sum == env.Metadata.Checksum, nil
}

// Canonical returns the deterministic key-sorted JSON encoding of v. The
// checksum and the chunked transfer both operate on this encoding, so both
// sides of the wire must produce identical bytes for identical values.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	// Round-trip through untyped maps so encoding/json emits every object
	// with sorted keys regardless of the original struct field order.
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	return json.Marshal(tree)
}

// checksum hashes the canonical encoding of env with the checksum field
// cleared. The field carries omitempty so the cleared value is absent from
// the encoding rather than present-but-blank.
func checksum(env *Envelope) (string, error) {
	bare := *env
	bare.Metadata.Checksum = ""

	data, err := Canonical(&bare)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func collectErrors(doc Document) []CollectorError {
	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	out := []CollectorError{}
	for _, name := range names {
		raw, ok := doc[name]["errors"]
		if !ok {
			continue
		}
		list, ok := raw.([]any)
		if !ok {
			if strs, ok := raw.([]string); ok {
				for _, s := range strs {
					out = append(out, CollectorError{Collector: name, Error: s})
				}
			}
			continue
		}
		for _, item := range list {
			msg, ok := item.(string)
			if !ok {
				msg = fmt.Sprint(item)
			}
			out = append(out, CollectorError{Collector: name, Error: msg})
		}
	}
	return out
}
