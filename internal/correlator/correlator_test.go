package correlator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/windless/rtun/internal/wire"
)

func TestBeginCompleteRoundTrip(t *testing.T) {
	r := New()
	p := r.Begin(time.Second)
	require.NotEmpty(t, p.ID)

	go func() {
		err := r.Complete(p.ID, wire.ResponsePayload{Status: 200, Body: "ok"})
		require.NoError(t, err)
	}()

	result := p.Wait()
	require.Nil(t, result.Err)
	require.NotNil(t, result.Response)
	require.Equal(t, 200, result.Response.Status)
}

func TestCompleteUnknownRequest(t *testing.T) {
	r := New()
	err := r.Complete("does-not-exist", wire.ResponsePayload{})
	require.ErrorIs(t, err, ErrUnknownRequest)
}

func TestFailResolvesWithError(t *testing.T) {
	r := New()
	p := r.Begin(time.Second)

	go func() {
		_ = r.Fail(p.ID, ErrTimeout)
	}()

	result := p.Wait()
	require.ErrorIs(t, result.Err, ErrTimeout)
	require.Nil(t, result.Response)
}

func TestDeadlineExpiryCompletesExactlyOnce(t *testing.T) {
	r := New()
	p := r.Begin(10 * time.Millisecond)

	result := p.Wait()
	require.ErrorIs(t, result.Err, ErrTimeout)

	// A late Complete after timeout must report unknown, never double-fire.
	err := r.Complete(p.ID, wire.ResponsePayload{Status: 200})
	require.ErrorIs(t, err, ErrUnknownRequest)
}

func TestEveryMintedIDResolvesExactlyOnce(t *testing.T) {
	r := New()
	const n = 50
	ids := make([]string, n)
	pending := make([]*PendingRequest, n)

	for i := 0; i < n; i++ {
		p := r.Begin(2 * time.Second)
		ids[i] = p.ID
		pending[i] = p
	}

	for i, id := range ids {
		if i%2 == 0 {
			require.NoError(t, r.Complete(id, wire.ResponsePayload{Status: 200}))
		} else {
			require.NoError(t, r.Fail(id, ErrTimeout))
		}
	}

	for i, p := range pending {
		result := p.Wait()
		if i%2 == 0 {
			require.NotNil(t, result.Response)
		} else {
			require.Error(t, result.Err)
		}
	}
}

func TestHasReflectsOutstandingState(t *testing.T) {
	r := New()
	p := r.Begin(time.Second)
	require.True(t, r.Has(p.ID))

	require.NoError(t, r.Complete(p.ID, wire.ResponsePayload{Status: 204}))
	require.False(t, r.Has(p.ID))
}
