package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOrderingGuardCheck(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	g := OrderingGuard{GracePeriod: 2 * time.Second}
	prov := Local("prov-1")

	tests := []struct {
		name     string
		state    State
		serverID Identifier
		age      time.Duration
		override bool
		want     Consent
	}{
		{
			name:     "posted",
			state:    StatePosted,
			serverID: Server("140001"),
			age:      time.Minute,
			want:     Consent{Allowed: true, ServerID: Server("140001"), Target: Server("140001"), Reason: ConsentConfirmed},
		},
		{
			name:     "inside confirmed",
			state:    StateInsideConfirmed,
			serverID: Server("140001"),
			age:      time.Minute,
			want:     Consent{Allowed: true, ServerID: Server("140001"), Target: Server("140001"), Reason: ConsentConfirmed},
		},
		{
			name:  "unconfirmed within grace",
			state: StateEnteredPendingPost,
			age:   1999 * time.Millisecond,
			want:  Consent{Allowed: true, Target: prov, Reason: ConsentGrace},
		},
		{
			name:  "unconfirmed at grace boundary",
			state: StateEnteredPendingPost,
			age:   2 * time.Second,
			want:  Consent{Reason: ConsentDenied},
		},
		{
			name:     "unconfirmed with override",
			state:    StateEnteredPendingPost,
			age:      time.Minute,
			override: true,
			want:     Consent{Allowed: true, Target: prov, Override: true, Reason: ConsentOverride},
		},
		{
			name:     "already exiting ignores override",
			state:    StateExitPendingPut,
			override: true,
			want:     Consent{Reason: ConsentBadState},
		},
		{
			name:  "abandoned",
			state: StateAbandoned,
			want:  Consent{Reason: ConsentBadState},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &VehicleRecord{LocalID: "L1", ProvisionalID: prov, State: tt.state, EnteredAt: t0}
			got := g.Check(rec, tt.serverID, t0.Add(tt.age), tt.override)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStoreMayWriteExit(t *testing.T) {
	s, clock := newTestStore(t, nil)
	_, err := s.MayWriteExit("L1", false)
	assert.ErrorIs(t, err, ErrUnknownVehicle)

	_, _ = s.Observe(inside("L1"))
	c, err := s.MayWriteExit("L1", false)
	assert.NoError(t, err)
	assert.True(t, c.Allowed)
	assert.Equal(t, ConsentGrace, c.Reason)

	clock.Advance(3 * time.Second)
	c, _ = s.MayWriteExit("L1", false)
	assert.False(t, c.Allowed)

	// Asking does not change state.
	rec, _ := s.Vehicle("L1")
	assert.False(t, rec.ExitDeferred)
}
