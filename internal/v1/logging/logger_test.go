package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitialize(t *testing.T) {
	err := Initialize(true)
	assert.NoError(t, err)
	assert.NotNil(t, GetLogger())
}

func TestGetLoggerFallback(t *testing.T) {
	// Must never return nil, even before Initialize
	assert.NotNil(t, GetLogger())
}

func TestAppendContextFields(t *testing.T) {
	ctx := context.WithValue(context.Background(), CorrelationIDKey, "cid-1")
	ctx = context.WithValue(ctx, UserIDKey, "42")
	ctx = context.WithValue(ctx, RoomCodeKey, "ABC")

	fields := appendContextFields(ctx, nil)

	keys := make(map[string]bool)
	for _, f := range fields {
		keys[f.Key] = true
	}
	assert.True(t, keys["correlation_id"])
	assert.True(t, keys["user_id"])
	assert.True(t, keys["room_code"])
	assert.True(t, keys["service"])
}

func TestAppendContextFieldsNilContext(t *testing.T) {
	assert.Empty(t, appendContextFields(nil, nil))
}

func TestLogHelpersDoNotPanic(t *testing.T) {
	ctx := context.Background()
	assert.NotPanics(t, func() {
		Info(ctx, "info")
		Warn(ctx, "warn")
		Error(ctx, "error")
	})
}
