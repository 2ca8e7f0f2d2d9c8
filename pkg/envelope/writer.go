package envelope

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"evidenced/pkg/render"
)

// Writer persists envelopes under a local directory tree, one subdirectory
// per container. Persistence is a best-effort local copy: callers are
// expected to still attempt remote transmission when Persist fails.
type Writer struct {
	// Root is the base directory for local storage.
	Root string
	// Compress gzips the envelope file when set.
	Compress bool
	// MaxBytes, when positive, is the soft storage budget. Exceeding it
	// logs a warning; nothing is evicted.
	MaxBytes int64

	Logger *log.Logger
	Now    func() time.Time
}

func NewWriter(root string, compress bool, logger *log.Logger) *Writer {
	return &Writer{Root: root, Compress: compress, Logger: logger, Now: time.Now}
}

// Persist writes env under <root>/<cid12>/forensics_<cid12>_<timestamp>.json
// (plus .gz when compression is on) and a human-readable summary alongside
// it. It returns the path of the envelope file. Summary write failures are
// logged, not returned: the envelope file is the artifact of record.
func (w *Writer) Persist(env *Envelope) (string, error) {
	cid := shortID(env.Metadata.ContainerID)
	dir := filepath.Join(w.Root, cid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create storage dir: %w", err)
	}

	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	stamp := now().Format("20060102_150405")

	name := fmt.Sprintf("forensics_%s_%s.json", cid, stamp)
	if w.Compress {
		name += ".gz"
	}
	path := filepath.Join(dir, name)

	w.checkUsage()

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	if err := w.writeFile(path, data); err != nil {
		return "", fmt.Errorf("write envelope: %w", err)
	}
	w.logf("saved envelope to %s (%d bytes raw)", path, len(data))

	summaryPath := filepath.Join(dir, fmt.Sprintf("summary_%s_%s.txt", cid, stamp))
	if err := os.WriteFile(summaryPath, []byte(Summary(env)), 0o644); err != nil {
		w.logf("WARN could not write summary %s: %v", summaryPath, err)
	}

	return path, nil
}

// Load reads an envelope persisted by Persist, transparently handling gzip.
// A checksum mismatch is logged as a warning but does not fail the load;
// integrity is advisory at this layer.
func (w *Writer) Load(path string) (*Envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open envelope: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	var env Envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	ok, err := Verify(&env)
	if err != nil {
		return nil, fmt.Errorf("verify checksum: %w", err)
	}
	if !ok {
		w.logf("WARN checksum mismatch loading %s", path)
	}

	return &env, nil
}

func (w *Writer) writeFile(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if w.Compress {
		gz := gzip.NewWriter(f)
		if _, err := gz.Write(data); err != nil {
			f.Close()
			return err
		}
		if err := gz.Close(); err != nil {
			f.Close()
			return err
		}
	} else {
		if _, err := f.Write(data); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// checkUsage walks the storage root and warns when the soft budget is
// exceeded. Unreadable entries are skipped; the check never blocks a save.
func (w *Writer) checkUsage() {
	if w.MaxBytes <= 0 {
		return
	}
	var total int64
	_ = filepath.WalkDir(w.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	if total > w.MaxBytes {
		w.logf("WARN local storage over budget: %d bytes used, %d allowed", total, w.MaxBytes)
	}
}

func (w *Writer) logf(format string, args ...any) {
	if w.Logger != nil {
		w.Logger.Printf(format, args...)
	}
}

var summaryEngine = render.MustNew()

type summarySection struct {
	Name      string
	Artifacts int
	Errors    int
}

type summaryData struct {
	ContainerID     string
	CollectionTime  string
	CollectionHost  string
	CollectionUser  string
	ArtifactCount   int
	ErrorCount      int
	Checksum        string
	Sections        []summarySection
	CollectorErrors []CollectorError
}

// Summary renders a plain-text digest of env for operators reviewing a
// collection run without tooling.
func Summary(env *Envelope) string {
	meta := env.Metadata
	data := summaryData{
		ContainerID:     meta.ContainerID,
		CollectionTime:  meta.CollectionTimestamp,
		CollectionHost:  meta.CollectionHost,
		CollectionUser:  orUnknown(meta.CollectionUser),
		ArtifactCount:   meta.ArtifactCount,
		ErrorCount:      len(meta.Errors),
		Checksum:        meta.Checksum,
		CollectorErrors: meta.Errors,
	}

	names := make([]string, 0, len(env.Artifacts))
	for name := range env.Artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fields := env.Artifacts[name]
		section := summarySection{Name: name}
		for key, value := range fields {
			if key == "errors" || value == nil {
				continue
			}
			section.Artifacts++
		}
		if list, ok := fields["errors"].([]any); ok {
			section.Errors = len(list)
		}
		data.Sections = append(data.Sections, section)
	}

	out, err := summaryEngine.Render("summary.tmpl", data)
	if err != nil {
		return fmt.Sprintf("Forensic Collection Summary\n\nContainer ID: %s\nChecksum: %s\n",
			meta.ContainerID, meta.Checksum)
	}
	return out
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// shortID truncates a container id to the 12-character form used in file
// and directory names.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
