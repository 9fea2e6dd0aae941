package clog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(t *testing.T, level string, opts ...Option) (Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	opts = append(opts, WithWriter(buf))
	l, err := New(&Config{Level: level, Format: "json", Output: "buffer"}, opts...)
	require.NoError(t, err)
	return l, buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(&Config{Level: "verbose"})
	assert.Error(t, err)

	_, err = New(&Config{Format: "xml"})
	assert.Error(t, err)

	_, err = New(&Config{Output: "buffer"})
	assert.Error(t, err, "buffer output without writer")
}

func TestLogger_JSONFields(t *testing.T) {
	l, buf := newBufferLogger(t, "debug", WithNamespace("sagaguard"))
	l.WithNamespace("idem").With(String("key", "k1")).Info("begin", Int("attempt", 2))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	entry := lines[0]
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "begin", entry["msg"])
	assert.Equal(t, "sagaguard.idem", entry[NamespaceKey])
	assert.Equal(t, "k1", entry["key"])
	assert.EqualValues(t, 2, entry["attempt"])
}

func TestLogger_ErrorField(t *testing.T) {
	l, buf := newBufferLogger(t, "info")
	l.Error("failed", Error(errors.New("boom")))
	l.Info("ok", Error(nil))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "boom", lines[0]["err_msg"])
	_, has := lines[1]["err_msg"]
	assert.False(t, has)
}

func TestLogger_SetLevelAffectsChildren(t *testing.T) {
	l, buf := newBufferLogger(t, "warn")
	child := l.WithNamespace("cleanup")

	child.Info("hidden")
	assert.Empty(t, buf.String())

	require.NoError(t, l.SetLevel(DebugLevel))
	child.Debug("visible")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "DEBUG", lines[0]["level"])
}

type ctxKey string

func TestLogger_ContextFields(t *testing.T) {
	l, buf := newBufferLogger(t, "info", WithContextField(ctxKey("rid"), "request_id"))
	ctx := context.WithValue(context.Background(), ctxKey("rid"), "r-42")
	l.InfoContext(ctx, "handled")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "r-42", lines[0]["request_id"])
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"fatal":   FatalLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Info("nothing")
	assert.Equal(t, l, l.WithNamespace("x"))
	assert.NoError(t, l.SetLevel(ErrorLevel))
}
