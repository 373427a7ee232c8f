package channels

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryGet(t *testing.T) {
	email := &stubAdapter{name: "email"}
	sms := &stubAdapter{name: "sms"}
	r := NewRegistry(email, sms)

	got, ok := r.Get("email")
	require.True(t, ok)
	assert.Equal(t, email, got)

	_, ok = r.Get("fax")
	assert.False(t, ok)
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry(
		&stubAdapter{name: "telegram"},
		&stubAdapter{name: "email"},
		&stubAdapter{name: "push"},
	)
	assert.Equal(t, []string{"email", "push", "telegram"}, r.Names())
}

func TestRegistryRegisterReplaces(t *testing.T) {
	first := &stubAdapter{name: "sms"}
	second := &stubAdapter{name: "sms"}
	r := NewRegistry(first)

	r.Register(second)

	got, ok := r.Get("sms")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestRegistryStatusAll(t *testing.T) {
	r := NewRegistry(&stubAdapter{name: "email"}, &stubAdapter{name: "slack"})

	all := r.StatusAll()
	require.Len(t, all, 2)
	assert.Equal(t, true, all["email"]["configured"])
	assert.Equal(t, true, all["slack"]["configured"])
}

func TestRegistryVerifyAll(t *testing.T) {
	bad := Misconfiguredf("no token")
	r := NewRegistry(
		&stubAdapter{name: "email"},
		&stubAdapter{name: "telegram", verifyErr: bad},
	)

	out := r.VerifyAll(context.Background())
	require.Len(t, out, 2)
	assert.NoError(t, out["email"])
	assert.ErrorIs(t, out["telegram"], bad)
}
