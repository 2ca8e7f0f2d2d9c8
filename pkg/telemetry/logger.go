package telemetry

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// NewLogger returns a JSON-line logger for a service running without the
// tracing stack (no OTLP endpoint configured).
func NewLogger(service string) *log.Logger {
	return log.New(newJSONLogWriter(service, os.Stdout), "", 0)
}

// jsonLogWriter emits one JSON object per log line:
// {ts, level, service, msg, trace_id}. Lines written through the standard
// logger interface have their level sniffed from a leading "WARN"/"ERROR"
// style prefix.
type jsonLogWriter struct {
	mu      sync.Mutex
	service string
	out     io.Writer
}

func newJSONLogWriter(service string, out io.Writer) *jsonLogWriter {
	if out == nil {
		out = os.Stdout
	}
	return &jsonLogWriter{service: service, out: out}
}

func (w *jsonLogWriter) Write(p []byte) (int, error) {
	level, message := splitLevel(strings.TrimSpace(string(p)))
	if err := w.Log(level, message, ""); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *jsonLogWriter) Log(level, message, traceID string) error {
	entry := map[string]string{
		"ts":       time.Now().UTC().Format(time.RFC3339Nano),
		"level":    level,
		"service":  w.service,
		"msg":      message,
		"trace_id": traceID,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.out.Write(append(data, '\n'))
	return err
}

func splitLevel(message string) (string, string) {
	fields := strings.Fields(message)
	if len(fields) == 0 {
		return "INFO", ""
	}

	level := strings.ToUpper(strings.Trim(fields[0], "[]:"))
	switch level {
	case "ERROR", "WARN", "WARNING", "DEBUG", "INFO":
		if level == "WARNING" {
			level = "WARN"
		}
		return level, strings.TrimSpace(message[len(fields[0]):])
	}
	return "INFO", message
}
