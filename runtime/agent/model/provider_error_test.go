package model

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyHTTPStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status    int
		kind      ProviderErrorKind
		retryable bool
	}{
		{401, ProviderErrorKindAuth, false},
		{403, ProviderErrorKindAuth, false},
		{400, ProviderErrorKindInvalidRequest, false},
		{422, ProviderErrorKindInvalidRequest, false},
		{429, ProviderErrorKindRateLimited, true},
		{408, ProviderErrorKindUnavailable, true},
		{503, ProviderErrorKindUnavailable, true},
		{0, ProviderErrorKindUnknown, true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			t.Parallel()
			pe := ClassifyHTTPStatus("openai", "chat", tc.status, "boom", nil)
			require.Equal(t, tc.kind, pe.Kind())
			require.Equal(t, tc.retryable, pe.Retryable())
		})
	}
}

func TestIsFatal(t *testing.T) {
	t.Parallel()

	auth := ClassifyHTTPStatus("anthropic", "messages", 401, "bad key", nil)
	require.True(t, IsFatal(auth))
	require.True(t, IsFatal(fmt.Errorf("stream: %w", auth)))

	throttled := ClassifyHTTPStatus("anthropic", "messages", 429, "slow down", nil)
	require.False(t, IsFatal(throttled))
	require.ErrorIs(t, throttled, ErrRateLimited)

	require.False(t, IsFatal(context.DeadlineExceeded))
	require.False(t, IsFatal(errors.New("connection reset")))
	require.False(t, IsFatal(nil))
}

func TestTokenUsageAdd(t *testing.T) {
	t.Parallel()

	u := TokenUsage{InputTokens: 10, OutputTokens: 5}.Add(TokenUsage{InputTokens: 1, OutputTokens: 2})
	require.Equal(t, TokenUsage{InputTokens: 11, OutputTokens: 7, TotalTokens: 18}, u)
}
