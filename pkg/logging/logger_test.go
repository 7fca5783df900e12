package logging

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferOutput struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (b *bufferOutput) Write(e LogEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	return nil
}

func (b *bufferOutput) Sync() error  { return nil }
func (b *bufferOutput) Close() error { return nil }

func TestLoggerSeverityFiltering(t *testing.T) {
	out := &bufferOutput{}
	l := NewLogger(Config{Severity: WARN, Outputs: []Output{out}})

	ctx := context.Background()
	l.Debug(ctx, "debug message")
	l.Info(ctx, "info message")
	l.Warn(ctx, "warn message")
	l.Error(ctx, "error message")

	require.Len(t, out.entries, 2)
	assert.Equal(t, WARN, out.entries[0].Severity)
	assert.Equal(t, ERROR, out.entries[1].Severity)
}

func TestLoggerContextValues(t *testing.T) {
	out := &bufferOutput{}
	l := NewLogger(Config{Severity: DEBUG, Outputs: []Output{out}})

	ctx := WithStage(WithRunID(context.Background(), "run-42"), 3)
	l.Info(ctx, "stage transition")

	require.Len(t, out.entries, 1)
	assert.Equal(t, "run-42", out.entries[0].RunID)
	assert.Equal(t, 3, out.entries[0].Stage)
}

func TestLoggerDefaultFields(t *testing.T) {
	out := &bufferOutput{}
	l := NewLogger(Config{
		Severity:      INFO,
		Outputs:       []Output{out},
		DefaultFields: map[string]interface{}{"mode": "geometry"},
	})

	l.Info(context.Background(), "building model")
	require.Len(t, out.entries, 1)
	assert.Equal(t, "geometry", out.entries[0].Fields["mode"])
}

func TestConsoleOutputFormat(t *testing.T) {
	var buf bytes.Buffer
	out := &ConsoleOutput{writer: &buf}

	err := out.Write(LogEntry{
		Severity: INFO,
		Message:  "beta reached 1",
		File:     "smc.go",
		Line:     10,
		RunID:    "abc",
		Stage:    5,
	})
	require.NoError(t, err)

	line := buf.String()
	assert.True(t, strings.Contains(line, "beta reached 1"))
	assert.True(t, strings.Contains(line, "[run=abc]"))
	assert.True(t, strings.Contains(line, "[stage=5]"))
}

func TestParseSeverity(t *testing.T) {
	assert.Equal(t, DEBUG, ParseSeverity("DEBUG"))
	assert.Equal(t, ERROR, ParseSeverity("ERROR"))
	assert.Equal(t, INFO, ParseSeverity("bogus"))
}

func TestGetLoggerSingleton(t *testing.T) {
	l := GetLogger()
	require.NotNil(t, l)
	assert.Same(t, l, GetLogger())

	custom := NewLogger(Config{Severity: DEBUG})
	SetLogger(custom)
	assert.Same(t, custom, GetLogger())
	SetLogger(l)
}
