package pf

import (
	"context"
	"fmt"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// udpStates opens n flows from consecutive source ports starting at base.
func udpStates(t *testing.T, env *testEnv, base, n int) []*State {
	t.Helper()
	var out []*State
	for i := range n {
		res := env.test(DirOut, udpPkt(t, fmt.Sprintf("10.0.0.5:%d", base+i), extDNS))
		require.Equal(t, VerdictPass, res.Verdict)
		require.NotNil(t, res.State)
		s := env.e.states.findByID(res.State.ID, res.State.CreatorID)
		require.NotNil(t, s)
		out = append(out, s)
	}
	return out
}

func TestPurgeExpiredState(t *testing.T) {
	env := newTestEnv(t, passAll)
	udpStates(t, env, 2000, 1)

	env.clock.advance(59)
	assert.Zero(t, env.e.PurgeAll().States)
	assert.Equal(t, 1, env.e.Status().States)

	env.clock.advance(1)
	st := env.e.PurgeAll()
	assert.Equal(t, 1, st.States)
	assert.Zero(t, env.e.Status().States)

	// nothing left to do
	assert.Equal(t, PurgeStats{}, env.e.PurgeAll())
}

func TestPurgeFreesUnlinkedStates(t *testing.T) {
	env := newTestEnv(t, passAll)
	udpStates(t, env, 2000, 2)

	assert.Zero(t, env.e.KillStates(pfx("192.0.2.0/24"), netip.Prefix{}))
	require.Equal(t, 2, env.e.KillStates(netip.Prefix{}, pfx("198.51.100.7/32")))
	assert.Empty(t, env.e.States())
	// unlinked states wait on the list for the purge
	assert.Equal(t, 2, env.e.Status().States)

	st := env.e.PurgeAll()
	assert.Equal(t, 2, st.Checked)
	assert.Equal(t, 2, st.States)
	assert.Zero(t, env.e.Status().States)
	assert.Zero(t, env.e.Rules()[0].States)
}

func TestAdaptiveTimeouts(t *testing.T) {
	t.Run("rule", func(t *testing.T) {
		env := newTestEnv(t, func(rs *Ruleset) {
			r := &Rule{Action: ActionPass, KeepState: KeepNormal}
			r.Timeouts[TimeoutAdaptiveStart] = 2
			r.Timeouts[TimeoutAdaptiveEnd] = 4
			rs.Append(KindFilter, r)
		})
		states := udpStates(t, env, 2000, 3)
		// one state past the start halves the timeout
		assert.Equal(t, int64(1000+30), env.e.expires(states[0]))

		// a fourth flow reaches the end
		states = append(states, udpStates(t, env, 2003, 1)...)
		require.Len(t, states, 4)
		require.Equal(t, 4, env.e.Status().States)
		assert.Equal(t, int64(1000), env.e.expires(states[0]))
	})

	t.Run("global", func(t *testing.T) {
		env := newTestEnv(t, func(rs *Ruleset) {
			rs.Default.Timeouts[TimeoutAdaptiveStart] = 2
			rs.Default.Timeouts[TimeoutAdaptiveEnd] = 4
			passAll(rs)
		})
		states := udpStates(t, env, 2000, 2)
		assert.Equal(t, int64(1000+60), env.e.expires(states[0]))
		udpStates(t, env, 2002, 1)
		require.Equal(t, 3, env.e.Status().States)
		assert.Equal(t, int64(1000+30), env.e.expires(states[0]))
	})
}

func TestPurgerTick(t *testing.T) {
	env := newTestEnv(t, passAll)
	udpStates(t, env, 2000, 25)
	p := NewPurger(env.e, quietLogger())

	// a tenth of the table plus one per tick
	st := p.Tick()
	assert.Equal(t, 3, st.Checked)
	assert.Zero(t, st.States)

	env.clock.advance(60)
	st = p.Tick()
	assert.Equal(t, 3, st.Checked)
	assert.Equal(t, 3, st.States)

	for i := 0; i < 20 && env.e.Status().States > 0; i++ {
		p.Tick()
	}
	assert.Zero(t, env.e.Status().States)
}

func TestPurgerRunStops(t *testing.T) {
	env := newTestEnv(t, passAll)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, NewPurger(env.e, quietLogger()).Run(ctx))
}
