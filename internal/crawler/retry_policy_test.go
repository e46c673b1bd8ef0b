package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type timeoutErr struct{ timeout bool }

func (e timeoutErr) Error() string   { return "net" }
func (e timeoutErr) Timeout() bool   { return e.timeout }
func (e timeoutErr) Temporary() bool { return false }

func TestExponentialRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicyWith(3, 10*time.Millisecond, 100*time.Millisecond)

	require.False(t, p.ShouldRetry(nil, 0))
	require.True(t, p.ShouldRetry(errors.New("boom"), 0))
	require.False(t, p.ShouldRetry(errors.New("boom"), 3))
	require.False(t, p.ShouldRetry(context.Canceled, 0))
	require.False(t, p.ShouldRetry(fmt.Errorf("wrapped: %w", context.DeadlineExceeded), 0))
	require.True(t, p.ShouldRetry(&RateLimitError{RetryAfter: time.Second}, 2))
	require.False(t, p.ShouldRetry(&RateLimitError{RetryAfter: time.Second}, 3))
	require.True(t, p.ShouldRetry(timeoutErr{timeout: true}, 1))
	require.False(t, p.ShouldRetry(timeoutErr{timeout: false}, 1))
}

func TestExponentialRetryPolicyRetriesTransportFailures(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicyWith(3, time.Millisecond, time.Millisecond)

	refused := &url.Error{
		Op:  "Get",
		URL: "https://discord.com/api/v10/channels/1/messages",
		Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED},
	}
	require.True(t, p.ShouldRetry(refused, 1))
	require.False(t, p.ShouldRetry(refused, 3))

	reset := &url.Error{Op: "Get", URL: "https://discord.com/", Err: syscall.ECONNRESET}
	require.True(t, p.ShouldRetry(reset, 1))

	canceled := &url.Error{Op: "Get", URL: "https://discord.com/", Err: context.Canceled}
	require.False(t, p.ShouldRetry(canceled, 1))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	resp, err := http.Get("http://" + addr + "/")
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.Error(t, err)
	require.True(t, p.ShouldRetry(err, 1))
}

func TestExponentialRetryPolicyBackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicyWith(5, 100*time.Millisecond, 400*time.Millisecond)
	for attempt := 0; attempt < 6; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.LessOrEqual(t, d, 400*time.Millisecond)
	}
}

func TestNewExponentialRetryPolicyWithDefaults(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicyWith(0, 0, 0)
	def := NewExponentialRetryPolicy()
	require.Equal(t, def.maxAttempts, p.maxAttempts)
	require.Equal(t, def.baseDelay, p.baseDelay)
	require.Equal(t, def.maxDelay, p.maxDelay)
}
