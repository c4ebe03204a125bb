package observability

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
)

type recordingLogger struct {
	mu      sync.Mutex
	entries []string
	fields  [][]Field
}

func (r *recordingLogger) Debug(msg string, fields ...Field) { r.add(msg, fields) }
func (r *recordingLogger) Info(msg string, fields ...Field)  { r.add(msg, fields) }
func (r *recordingLogger) Error(msg string, fields ...Field) { r.add(msg, fields) }

func (r *recordingLogger) add(msg string, fields []Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, msg)
	r.fields = append(r.fields, fields)
}

func TestSetLoggerNilFallsBackToNoop(t *testing.T) {
	SetLogger(nil)
	t.Cleanup(func() { SetLogger(nil) })
	Log().Info("ignored")
	if Log() == nil {
		t.Fatalf("expected noop logger")
	}
}

func TestAggregateErrorsSkipsNil(t *testing.T) {
	rec := &recordingLogger{}
	SetLogger(rec)
	t.Cleanup(func() { SetLogger(nil) })

	if err := AggregateErrors("close", []error{nil, nil}); err != nil {
		t.Fatalf("expected nil aggregate, got %v", err)
	}
	first := errors.New("first")
	err := AggregateErrors("close", []error{first, nil, errors.New("second")}, F("provider", "bybit"))
	if err == nil {
		t.Fatalf("expected aggregate error")
	}
	if !errors.Is(err, first) {
		t.Fatalf("expected aggregate to wrap first error")
	}
	if !strings.HasPrefix(err.Error(), "close failed:") {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if len(rec.entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(rec.entries))
	}
}

func TestLogrusLoggerWritesJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogrusLogger(NewJSONLogrus(&buf, "debug"), "bybit")
	logger.Info("session connected", F("category", "linear"), Err(errors.New("boom")))

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if line["message"] != "session connected" {
		t.Fatalf("unexpected message field: %v", line["message"])
	}
	if line["component"] != "bybit" || line["category"] != "linear" || line["error"] != "boom" {
		t.Fatalf("expected structured fields, got %v", line)
	}
}
