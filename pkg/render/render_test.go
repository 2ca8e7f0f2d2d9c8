package render

import (
	"strings"
	"testing"
)

func TestRenderSummary(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := e.Render("summary.tmpl", map[string]any{
		"ContainerID":    "abc123def456",
		"CollectionTime": "2026-03-14T09:30:00Z",
		"CollectionHost": "forensics-host",
		"CollectionUser": "analyst",
		"ArtifactCount":  2,
		"ErrorCount":     0,
		"Checksum":       "deadbeef",
		"Sections": []map[string]any{
			{"Name": "runtime", "Artifacts": 3, "Errors": 0},
		},
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, want := range []string{"abc123def456", "runtime:", "3 artifact types collected"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Errors Encountered") {
		t.Error("error section rendered with no errors")
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := e.Render("no-such.tmpl", nil); err == nil {
		t.Fatal("unknown template name accepted")
	}

	var nilEngine *Engine
	if _, err := nilEngine.Render("summary.tmpl", nil); err == nil {
		t.Fatal("nil engine accepted")
	}
}
