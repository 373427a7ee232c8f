package channels

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerPassesThroughSuccess(t *testing.T) {
	stub := &stubAdapter{name: "email", result: &SendResult{MessageID: "abc"}}
	wrapped := WithBreaker(stub)

	result, err := wrapped.Send(context.Background(), "to", "subj", "body", nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", result.MessageID)
	assert.Equal(t, 1, stub.calls)
}

func TestBreakerOpensAfterTransientFailures(t *testing.T) {
	stub := &stubAdapter{name: "sms", sendErr: Transientf("provider down")}
	wrapped := WithBreaker(stub)

	for i := 0; i < 3; i++ {
		_, err := wrapped.Send(context.Background(), "to", "", "body", nil)
		require.Error(t, err)
		assert.Equal(t, ClassTransient, ClassOf(err))
	}
	assert.Equal(t, 3, stub.calls)

	// Fourth send short-circuits without reaching the adapter.
	_, err := wrapped.Send(context.Background(), "to", "", "body", nil)
	require.Error(t, err)
	assert.Equal(t, ClassTransient, ClassOf(err))
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, 3, stub.calls)

	assert.Equal(t, "open", wrapped.Status()["breaker_state"])
}

func TestBreakerIgnoresPermanentFailures(t *testing.T) {
	stub := &stubAdapter{name: "push", sendErr: Permanentf("bad token")}
	wrapped := WithBreaker(stub)

	for i := 0; i < 5; i++ {
		_, err := wrapped.Send(context.Background(), "to", "", "body", nil)
		require.Error(t, err)
		assert.Equal(t, ClassPermanent, ClassOf(err))
	}
	// Provider verdicts never trip the breaker.
	assert.Equal(t, 5, stub.calls)
	assert.Equal(t, "closed", wrapped.Status()["breaker_state"])
}

func TestBreakerStatusAddsState(t *testing.T) {
	wrapped := WithBreaker(&stubAdapter{name: "slack"})

	status := wrapped.Status()
	assert.Equal(t, true, status["configured"])
	assert.Equal(t, "closed", status["breaker_state"])
}
