package audit

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"staykey.io/internal/access"
	"staykey.io/internal/obs"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	obs.Logger().SetOutput(&buf)
	t.Cleanup(func() { obs.Logger().SetOutput(os.Stdout) })
	return &buf
}

func TestSinkDeliversQueuedEvents(t *testing.T) {
	buf := captureLog(t)

	sink := NewSink()
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	sink.Emit(access.Event{
		TenantID:    "tenant-1",
		PrincipalID: "guest-1",
		SubjectID:   "tok-1",
		Action:      access.ActionTokenIssued,
		At:          at,
		Meta:        map[string]string{"kind": "guest"},
	})
	sink.Emit(access.Event{
		TenantID:  "tenant-1",
		SubjectID: "tok-2",
		Action:    access.ActionTokenRevoked,
		// zero At: the sink stamps it
	})
	sink.Close()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first["type"] != "audit" || first["event"] != string(access.ActionTokenIssued) {
		t.Fatalf("unexpected entry: %v", first)
	}
	if first["tenant_id"] != "tenant-1" || first["principal_id"] != "guest-1" || first["subject_id"] != "tok-1" {
		t.Fatalf("unexpected ids: %v", first)
	}
	if first["ts"] != at.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected ts: %v", first["ts"])
	}
	fields, ok := first["fields"].(map[string]any)
	if !ok || fields["kind"] != "guest" {
		t.Fatalf("unexpected fields: %v", first["fields"])
	}

	var second map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, hasPrincipal := second["principal_id"]; hasPrincipal {
		t.Fatal("empty principal must be omitted")
	}
	if ts, _ := second["ts"].(string); ts == "" {
		t.Fatal("zero At must be stamped")
	}
}

func TestSinkCloseIsIdempotentAndFinal(t *testing.T) {
	buf := captureLog(t)

	sink := NewSink()
	sink.Close()
	sink.Close()

	// Emitting after close neither panics nor delivers.
	sink.Emit(access.Event{TenantID: "tenant-1", SubjectID: "tok-1", Action: access.ActionTokenIssued})
	if got := strings.TrimSpace(buf.String()); got != "" {
		t.Fatalf("expected no output, got %q", got)
	}
}
