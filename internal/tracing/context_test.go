package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTraceID(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()

	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()

	t.Run("empty context returns empty strings", func(t *testing.T) {
		assert.Empty(t, GetTraceID(ctx))
		assert.Empty(t, GetSessionID(ctx))
		assert.Empty(t, GetContactID(ctx))
		assert.Empty(t, GetRequestID(ctx))
	})

	t.Run("values round trip", func(t *testing.T) {
		c := WithRequestID(WithContactID(WithSessionID(WithTraceID(ctx, "t1"), "s1"), "c1"), "r1")

		assert.Equal(t, "t1", GetTraceID(c))
		assert.Equal(t, "s1", GetSessionID(c))
		assert.Equal(t, "c1", GetContactID(c))
		assert.Equal(t, "r1", GetRequestID(c))
	})

	t.Run("empty value leaves context untouched", func(t *testing.T) {
		c := WithTraceID(WithTraceID(ctx, "t1"), "")
		assert.Equal(t, "t1", GetTraceID(c))
	})

	t.Run("nil context is tolerated", func(t *testing.T) {
		//nolint:staticcheck
		assert.Empty(t, GetTraceID(nil))
		//nolint:staticcheck
		assert.Equal(t, "s1", GetSessionID(WithSessionID(nil, "s1")))
	})
}

func TestForMessage(t *testing.T) {
	t.Run("generates a trace id when missing", func(t *testing.T) {
		ctx := ForMessage(context.Background(), "s1", "c1")

		assert.NotEmpty(t, GetTraceID(ctx))
		assert.Equal(t, "s1", GetSessionID(ctx))
		assert.Equal(t, "c1", GetContactID(ctx))
	})

	t.Run("keeps an inherited trace id", func(t *testing.T) {
		ctx := ForMessage(WithTraceID(context.Background(), "gw-1"), "s1", "c1")
		assert.Equal(t, "gw-1", GetTraceID(ctx))
	})
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithRequestID(ForMessage(WithTraceID(context.Background(), "t1"), "s1", "c1"), "r1")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fields))
	assert.Equal(t, "t1", fields["trace_id"])
	assert.Equal(t, "r1", fields["request_id"])
	assert.Equal(t, "s1", fields["session_id"])
	assert.Equal(t, "c1", fields["contact_id"])

	buf.Reset()
	plain := LoggerFromContext(context.Background(), base)
	plain.Info().Msg("bare")
	assert.NotContains(t, buf.String(), "trace_id")
}
