package service

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystal-devs/rc-realtime/internal/errs"
	"github.com/crystal-devs/rc-realtime/internal/model"
)

func TestGate_BearerClassifiesOwnerAsHost(t *testing.T) {
	f := newFabric(t, 0)
	ctx := context.Background()

	f.connect(t, "c1")
	id, err := f.gate.Authenticate(ctx, "c1", Credentials{Token: "tok-host", EventID: eventE1})
	require.NoError(t, err)
	assert.Equal(t, model.RoleHost, id.Role)
	assert.Equal(t, "Hana", id.DisplayName)

	f.connect(t, "c2")
	id, err = f.gate.Authenticate(ctx, "c2", Credentials{Token: "tok-cohost", EventID: "evt_share_e1"})
	require.NoError(t, err)
	assert.Equal(t, model.RoleCoHost, id.Role)
	assert.Equal(t, eventE1, id.EventID, "share handle resolved to canonical id")

	c, _ := f.registry.Get("c2")
	assert.True(t, c.Authenticated)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.AuthAttempts.WithLabelValues("bearer", "success")))
}

func TestGate_ShareHandleCreatesGuest(t *testing.T) {
	f := newFabric(t, 0)
	ctx := context.Background()

	f.connect(t, "g1")
	id, err := f.gate.Authenticate(ctx, "g1", Credentials{ShareToken: "evt_share_e1"})
	require.NoError(t, err)
	assert.Equal(t, model.RoleGuest, id.Role)
	assert.Equal(t, eventE1, id.EventID)
	assert.Equal(t, "Guest", id.DisplayName)
	assert.Regexp(t, `^guest_\d+_[0-9a-f]{6}$`, id.UserID)

	f.connect(t, "g2")
	id, err = f.gate.Authenticate(ctx, "g2", Credentials{EventID: eventE1, ShareToken: "evt_share_e1", GuestName: "  Bea "})
	require.NoError(t, err)
	assert.Equal(t, "Bea", id.DisplayName)
}

func TestGate_Failures(t *testing.T) {
	cases := []struct {
		name string
		cred Credentials
		want error
	}{
		{"no credentials", Credentials{EventID: eventE1}, errs.ErrAuthRequired},
		{"bad token", Credentials{Token: "forged", EventID: eventE1}, errs.ErrCredentialInvalid},
		{"bearer without event", Credentials{Token: "tok-host"}, errs.ErrEventNotFound},
		{"unknown canonical event", Credentials{Token: "tok-host", EventID: "11111111-2222-3333-4444-555555555555"}, errs.ErrEventNotFound},
		{"unknown share handle", Credentials{ShareToken: "evt_nope"}, errs.ErrInvalidShareHandle},
		{"share token mismatch", Credentials{EventID: eventE1, ShareToken: "evt_share_e2"}, errs.ErrInvalidShareHandle},
		{"sharing disabled", Credentials{ShareToken: "evt_share_e2"}, errs.ErrInvalidShareHandle},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFabric(t, 0)
			f.connect(t, "c1")
			_, err := f.gate.Authenticate(context.Background(), "c1", tc.cred)
			assert.ErrorIs(t, err, tc.want)
			c, _ := f.registry.Get("c1")
			assert.False(t, c.Authenticated)
		})
	}
}

func TestGate_RejectsReauthentication(t *testing.T) {
	f := newFabric(t, 0)
	f.connect(t, "c1")
	_, err := f.gate.Authenticate(context.Background(), "c1", Credentials{Token: "tok-host", EventID: eventE1})
	require.NoError(t, err)

	_, err = f.gate.Authenticate(context.Background(), "c1", Credentials{ShareToken: "evt_share_e1"})
	assert.ErrorIs(t, err, errs.ErrAlreadyAuthenticated)
	c, _ := f.registry.Get("c1")
	assert.Equal(t, model.RoleHost, c.Identity.Role)
}

func TestGate_StoreFailureIsNotAnAuthError(t *testing.T) {
	f := newFabric(t, 0)
	f.store.err = errors.New("connection refused")
	f.connect(t, "c1")

	_, err := f.gate.Authenticate(context.Background(), "c1", Credentials{Token: "tok-host", EventID: eventE1})
	require.Error(t, err)
	assert.Equal(t, "internal_error", errs.Code(err))
	assert.Equal(t, "Internal server error", errs.ClientMessage(err))
}

func TestIsCanonicalEventID(t *testing.T) {
	assert.True(t, IsCanonicalEventID(eventE1))
	assert.False(t, IsCanonicalEventID("evt_share_e1"))
	assert.False(t, IsCanonicalEventID(""))
}
