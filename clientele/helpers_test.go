package clientele

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRandomHexString(t *testing.T) {
	s, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.Len(t, s, 32)

	odd, err := generateRandomHexString(7)
	require.NoError(t, err)
	assert.Len(t, odd, 7)

	other, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.NotEqual(t, s, other)
}

func TestNormalizedCommaList(t *testing.T) {
	assert.Nil(t, NormalizedCommaList(""))
	assert.Equal(t, []string{"a"}, NormalizedCommaList("a"))
	assert.Equal(t, []string{"a", "b"}, NormalizedCommaList("a,b"))
	assert.Equal(t, []string{"a", "b"}, NormalizedCommaList(" a , b "))
	assert.Equal(t, []string{"a", "b"}, NormalizedCommaList("a,,b,"))
}

func TestMentions(t *testing.T) {
	assert.Equal(t, "<@123>", userMention("123"))
	assert.Equal(t, "<#456>", channelMention("456"))
}

func TestContextLogger(t *testing.T) {
	ctx := context.Background()

	_, ok := ContextLogger(ctx)
	assert.False(t, ok)

	logger := slog.Default().With("test", t.Name())
	ctx = WithLogger(ctx, logger)

	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Equal(t, logger, got)
}

func TestStructToSlogValueRedaction(t *testing.T) {
	type inner struct {
		Secret string `json:"secret" log:"[redacted]"`
		Name   string `json:"name"`
	}
	type outer struct {
		Inner *inner `json:"inner"`
		Empty string `json:"empty"`
	}

	v := structToSlogValue(
		outer{
			Inner: &inner{Secret: "hunter2", Name: "visible"},
		},
	)
	rendered := v.String()
	assert.NotContains(t, rendered, "hunter2")
	assert.Contains(t, rendered, "[redacted]")
	assert.Contains(t, rendered, "visible")
	// empty fields are dropped
	assert.NotContains(t, rendered, "empty")
}

func TestStructToSlogValueNil(t *testing.T) {
	assert.Equal(t, slog.AnyValue(nil), structToSlogValue(nil))

	var cfg *Config
	assert.Equal(t, slog.AnyValue(nil), structToSlogValue(cfg))
}
