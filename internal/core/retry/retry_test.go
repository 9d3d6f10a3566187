package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")
var errPermanent = errors.New("permanent")

func fastPolicy(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts:     4,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Retryable:       retryable,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	p := fastPolicy(func(err error) bool { return errors.Is(err, errTransient) })

	err := p.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	attempts := 0
	p := fastPolicy(func(err error) bool { return errors.Is(err, errTransient) })

	err := p.Do(context.Background(), func() error {
		attempts++
		return errPermanent
	})
	require.ErrorIs(t, err, errPermanent)
	assert.Equal(t, 1, attempts)
}

func TestDo_ExhaustsAttemptCap(t *testing.T) {
	attempts := 0
	p := fastPolicy(func(err error) bool { return true })

	err := p.Do(context.Background(), func() error {
		attempts++
		return errTransient
	})
	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, attempts)
}

func TestDo_ContextCancelStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy(func(err error) bool { return true })

	attempts := 0
	err := p.Do(ctx, func() error {
		attempts++
		cancel()
		return errTransient
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
