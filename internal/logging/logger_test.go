package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFields(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
		want   map[string]any
	}{
		{
			name:   "sensitive keys",
			fields: map[string]any{"password": "hunter2", "bind_password": "x", "shared_secret": "s", "user": "alice"},
			want:   map[string]any{"password": "[REDACTED]", "bind_password": "[REDACTED]", "shared_secret": "[REDACTED]", "user": "alice"},
		},
		{
			name:   "sensitive value pattern",
			fields: map[string]any{"dsn": "ldap://host?password=x", "count": 3},
			want:   map[string]any{"dsn": "[REDACTED]", "count": 3},
		},
		{
			name:   "empty",
			fields: nil,
			want:   map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFields(tt.fields))
		})
	}
}

func TestLogOperation(t *testing.T) {
	var output bytes.Buffer
	ctx := NewContext(tflogtest.RootLogger(context.Background(), &output))

	err := LogOperation(ctx, SubsystemRPC, "search", map[string]any{"request_id": 7}, func() error {
		return errors.New("boom")
	})
	require.Error(t, err)

	entries, err := tflogtest.MultilineJSONDecode(&output)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "Starting operation", entries[0]["@message"])
	assert.Equal(t, "Operation failed", entries[1]["@message"])
	assert.Equal(t, "search", entries[1]["operation"])
	assert.Equal(t, "boom", entries[1]["error"])
	assert.Contains(t, entries[1], "duration_ms")
}

func TestFields_DoesNotAlias(t *testing.T) {
	orig := map[string]any{"a": 1}
	out := Fields(orig)
	out["b"] = 2

	assert.NotContains(t, orig, "b")
}

func TestTFLogger(t *testing.T) {
	var output bytes.Buffer
	ctx := NewContext(tflogtest.RootLogger(context.Background(), &output))

	var log Logger = NewTFLogger(ctx, SubsystemPool)
	log.Warn("Pool exhausted", map[string]any{"max_connections": 4})
	log.Error("Bind failed", nil)

	entries, err := tflogtest.MultilineJSONDecode(&output)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "Pool exhausted", entries[0]["@message"])
	assert.Equal(t, "warn", entries[0]["@level"])
	assert.Contains(t, entries[0]["@module"], SubsystemPool)
	assert.EqualValues(t, 4, entries[0]["max_connections"])
	assert.Equal(t, "error", entries[1]["@level"])
}
