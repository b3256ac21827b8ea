package durable

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestFmtLoggerWritesLevelAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewFmtLogger(&buf).WithFields(map[string]any{
		"instance_id": "inst-1",
		"epoch":       2,
	})
	logger.Info("turn complete actions=%d", 3)

	line := buf.String()
	if !strings.Contains(line, "INFO") {
		t.Fatalf("missing level: %q", line)
	}
	if !strings.Contains(line, "turn complete actions=3") {
		t.Fatalf("missing message: %q", line)
	}
	// fields render sorted by key
	if !strings.Contains(line, "epoch=2 instance_id=inst-1") {
		t.Fatalf("missing fields: %q", line)
	}
}

func TestFmtLoggerWithFieldsDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewFmtLogger(&buf)
	_ = parent.WithFields(map[string]any{"child": true})

	parent.Info("plain")
	if strings.Contains(buf.String(), "child=") {
		t.Fatal("child fields leaked into parent logger")
	}
}

func TestNormalizeLogger(t *testing.T) {
	if NormalizeLogger(nil) == nil {
		t.Fatal("nil should normalize to the fallback logger")
	}
	logger := NewFmtLogger(nil)
	if NormalizeLogger(logger) != logger {
		t.Fatal("non-nil loggers pass through")
	}
}

func TestWithLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := WithLoggerFields(NewFmtLogger(&buf), map[string]any{"source": "test"})
	logger.Warn("heads up")
	if !strings.Contains(buf.String(), "source=test") {
		t.Fatalf("fields not attached: %q", buf.String())
	}

	// loggers without field support pass through unchanged
	plain := &noFieldsLogger{}
	if WithLoggerFields(plain, map[string]any{"k": "v"}) != plain {
		t.Fatal("field-less logger should pass through")
	}
}

func TestMergeFields(t *testing.T) {
	if MergeFields(nil, nil) != nil {
		t.Fatal("empty merge should be nil")
	}
	a := map[string]any{"keep": 1, "override": "old"}
	merged := MergeFields(a, map[string]any{"override": "new"})
	if merged["keep"] != 1 || merged["override"] != "new" {
		t.Fatalf("unexpected merge %+v", merged)
	}
	if a["override"] != "old" {
		t.Fatal("merge mutated its input")
	}
}

type noFieldsLogger struct{}

func (l *noFieldsLogger) Trace(string, ...any)               {}
func (l *noFieldsLogger) Debug(string, ...any)               {}
func (l *noFieldsLogger) Info(string, ...any)                {}
func (l *noFieldsLogger) Warn(string, ...any)                {}
func (l *noFieldsLogger) Error(string, ...any)               {}
func (l *noFieldsLogger) Fatal(string, ...any)               {}
func (l *noFieldsLogger) WithContext(context.Context) Logger { return l }
