package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equinor/fmu-sumo-uploader/pkg/uploaderr"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}
}

func TestPolicyDo(t *testing.T) {
	tests := []struct {
		name         string
		attempts     int
		failures     int
		failKind     uploaderr.Kind
		wantCalls    int
		wantErrKind  uploaderr.Kind
		wantNoErrors bool
	}{
		{
			name:         "succeeds first time",
			attempts:     4,
			wantCalls:    1,
			wantNoErrors: true,
		},
		{
			name:         "recovers after transient errors",
			attempts:     4,
			failures:     2,
			failKind:     uploaderr.KindTransient,
			wantCalls:    3,
			wantNoErrors: true,
		},
		{
			name:        "exhausts attempt budget",
			attempts:    3,
			failures:    100,
			failKind:    uploaderr.KindTransient,
			wantCalls:   3,
			wantErrKind: uploaderr.KindTransient,
		},
		{
			name:        "fatal is not retried",
			attempts:    5,
			failures:    100,
			failKind:    uploaderr.KindFatal,
			wantCalls:   1,
			wantErrKind: uploaderr.KindFatal,
		},
		{
			name:        "integrity is not retried",
			attempts:    5,
			failures:    100,
			failKind:    uploaderr.KindIntegrity,
			wantCalls:   1,
			wantErrKind: uploaderr.KindIntegrity,
		},
		{
			name:        "zero attempts means one",
			attempts:    0,
			failures:    100,
			failKind:    uploaderr.KindTransient,
			wantCalls:   1,
			wantErrKind: uploaderr.KindTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0

			err := fastPolicy(tt.attempts).Do(context.Background(), "op",
				func(_ context.Context, attempt int) error {
					calls++
					assert.Equal(t, calls, attempt)

					if calls <= tt.failures {
						return uploaderr.New(tt.failKind, "op", errors.New("boom"))
					}

					return nil
				})

			assert.Equal(t, tt.wantCalls, calls)

			if tt.wantNoErrors {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Equal(t, tt.wantErrKind, uploaderr.KindOf(err))
		})
	}
}

func TestPolicyDoCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := Policy{MaxAttempts: 10, BaseDelay: time.Hour, MaxDelay: time.Hour}
	calls := 0

	err := p.Do(ctx, "op", func(_ context.Context, _ int) error {
		calls++
		cancel()

		return uploaderr.New(uploaderr.KindTransient, "op", errors.New("reset"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, uploaderr.KindCancelled, uploaderr.KindOf(err))
}

func TestPolicyDoCustomRetryable(t *testing.T) {
	p := fastPolicy(3)
	p.Retryable = func(error) bool { return true }

	calls := 0
	err := p.Do(context.Background(), "op", func(context.Context, int) error {
		calls++

		return errors.New("anything")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}
