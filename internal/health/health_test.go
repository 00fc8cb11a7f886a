package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitUntilHealthy_FailsThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	delay := 50 * time.Millisecond
	start := time.Now()
	err := WaitUntilHealthy(context.Background(), "backend", HTTPCheck(srv.Client(), srv.URL, http.StatusOK), Options{
		Strategy: Fixed{Timeout: 200 * time.Millisecond},
		Delay:    delay,
		Deadline: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(4), hits.Load())
	assert.GreaterOrEqual(t, time.Since(start), 3*delay)
}

func TestWaitUntilHealthy_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := WaitUntilHealthy(context.Background(), "app", HTTPCheck(nil, srv.URL, http.StatusOK), Options{
		Strategy: Growing{Base: 20 * time.Millisecond},
		Delay:    20 * time.Millisecond,
		Deadline: 200 * time.Millisecond,
	})
	require.Error(t, err)
	require.True(t, IsTimeout(err))
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "app", te.Name)
	assert.GreaterOrEqual(t, te.Attempts, 2)
	assert.GreaterOrEqual(t, te.Elapsed, 150*time.Millisecond)
	assert.Error(t, te.Last)
}

func TestWaitUntilHealthy_ConnectionRefusedRetried(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := WaitUntilHealthy(context.Background(), "gone", HTTPCheck(nil, url, http.StatusOK), Options{
		Delay:    10 * time.Millisecond,
		Deadline: 100 * time.Millisecond,
	})
	require.True(t, IsTimeout(err))
}

func TestWaitUntilHealthy_AttemptTimeoutApplied(t *testing.T) {
	var attempts atomic.Int32
	check := func(ctx context.Context) error {
		attempts.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}
	start := time.Now()
	err := WaitUntilHealthy(context.Background(), "slow", check, Options{
		Strategy: Fixed{Timeout: 30 * time.Millisecond},
		Delay:    10 * time.Millisecond,
		Deadline: 300 * time.Millisecond,
	})
	require.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.GreaterOrEqual(t, attempts.Load(), int32(3))
}

func TestWaitUntilHealthy_ParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := WaitUntilHealthy(ctx, "x", func(context.Context) error { return errors.New("no") }, Options{
		Delay:    10 * time.Millisecond,
		Deadline: 10 * time.Second,
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTimeout(err))
}

func TestWaitUntilHealthy_BadURLIsNotRetried(t *testing.T) {
	start := time.Now()
	err := WaitUntilHealthy(context.Background(), "bad", HTTPCheck(nil, "http://[::1", http.StatusOK), Options{
		Delay:    time.Second,
		Deadline: 10 * time.Second,
	})
	require.Error(t, err)
	assert.False(t, IsTimeout(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestStrategies(t *testing.T) {
	f := Fixed{Timeout: 400 * time.Millisecond}
	assert.Equal(t, 400*time.Millisecond, f.AttemptTimeout(0, time.Minute))
	assert.Equal(t, 400*time.Millisecond, f.AttemptTimeout(9, time.Minute))
	assert.Equal(t, 100*time.Millisecond, f.AttemptTimeout(0, 100*time.Millisecond))

	g := Growing{Base: 500 * time.Millisecond}
	assert.Equal(t, 500*time.Millisecond, g.AttemptTimeout(0, time.Minute))
	assert.Equal(t, 1500*time.Millisecond, g.AttemptTimeout(2, time.Minute))
	assert.Equal(t, 2*time.Second, g.AttemptTimeout(10, 2*time.Second), "capped at remaining")
	assert.Equal(t, DefaultAttemptTimeout, Growing{}.AttemptTimeout(0, time.Minute))
}
