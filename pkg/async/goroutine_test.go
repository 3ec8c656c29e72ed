package async

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/observability"
)

func TestRun_Success(t *testing.T) {
	called := false
	err := Run(context.Background(), observability.NopLogger(), time.Second, "task", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestRun_ReturnsError(t *testing.T) {
	want := errors.New("boom")
	err := Run(context.Background(), observability.NopLogger(), time.Second, "task", func(ctx context.Context) error {
		return want
	})
	assert.ErrorIs(t, err, want)
}

func TestRun_Timeout(t *testing.T) {
	err := Run(context.Background(), observability.NopLogger(), 20*time.Millisecond, "slow", func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_NoTimeout(t *testing.T) {
	err := Run(context.Background(), observability.NopLogger(), 0, "task", func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestRun_PanicRecovery(t *testing.T) {
	err := Run(context.Background(), observability.NopLogger(), time.Second, "panicky", func(ctx context.Context) error {
		panic("test panic")
	})
	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "panicky", perr.Task)
	assert.Equal(t, "test panic", perr.Value)
	assert.NotEmpty(t, perr.Stack)
	assert.Equal(t, "panic in panicky: test panic", err.Error())
}

func TestSafeGo(t *testing.T) {
	ran := make(chan struct{})
	done := SafeGo(context.Background(), observability.NopLogger(), time.Second, "task", func(ctx context.Context) error {
		close(ran)
		panic("after signalling")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SafeGo did not finish")
	}
	_, open := <-ran
	assert.False(t, open)
}

func TestSafeGo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var got error
	done := SafeGo(ctx, observability.NopLogger(), 5*time.Second, "task", func(ctx context.Context) error {
		<-ctx.Done()
		got = ctx.Err()
		return got
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task ignored cancellation")
	}
	assert.ErrorIs(t, got, context.Canceled)
}
