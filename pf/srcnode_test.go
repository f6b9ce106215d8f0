package pf

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igjeong/hyper-pf/packet"
)

func TestThresholdDecay(t *testing.T) {
	var th Threshold
	th.init(2, 10, 0)

	th.add(0)
	th.add(0)
	assert.False(t, th.exceeded())
	th.add(0)
	assert.True(t, th.exceeded())

	// half the interval forgets half the count
	th.add(5)
	assert.Equal(t, uint32(2500), th.Count)
	assert.True(t, th.exceeded())

	th.add(20)
	assert.Equal(t, uint32(1000), th.Count)
	assert.False(t, th.exceeded())
}

func limitedWeb(mod func(r *Rule)) func(rs *Ruleset) {
	return func(rs *Ruleset) {
		r := &Rule{
			Action:    ActionPass,
			Direction: DirIn,
			Proto:     protoTCP,
			Dst:       portEq(80),
			Flags:     packet.TCPFlagSYN,
			FlagSet:   packet.TCPFlagSYN | packet.TCPFlagACK,
			KeepState: KeepNormal,
		}
		mod(r)
		rs.Append(KindFilter, r)
	}
}

func clientPort(i int) string { return fmt.Sprintf("198.51.100.7:%d", 40001+i) }

func TestMaxSrcConnOverload(t *testing.T) {
	env := newTestEnv(t, limitedWeb(func(r *Rule) {
		r.MaxSrcConn = 2
		r.Overload = "bad"
		r.Flush = FlushGlobal
	}))

	for i := range 2 {
		res := handshake(t, env, clientPort(i), server)
		require.Equal(t, VerdictPass, res[2].Verdict, "connection %d", i)
	}
	nodes := env.e.SourceNodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, uint32(2), nodes[0].Conn)
	assert.Equal(t, uint32(2), nodes[0].States)

	res := handshake(t, env, clientPort(2), server)
	assert.Equal(t, VerdictDrop, res[2].Verdict)
	assert.Equal(t, ReasonSrcLimit, res[2].Reason)

	bad, ok := env.e.TableList("bad")
	require.True(t, ok)
	assert.Equal(t, []netip.Prefix{pfx("198.51.100.7/32")}, bad)

	env.e.states.each(func(s *State) bool {
		assert.Equal(t, TimeoutPurge, s.Timeout, "state %d", s.ID)
		return true
	})
	st := env.e.Status()
	assert.Equal(t, uint64(1), st.LimitCounters["max-src-conn"])
	assert.Equal(t, uint64(1), st.LimitCounters["overload-table-insertion"])
	assert.Equal(t, uint64(1), st.LimitCounters["overload-flush-states"])

	// purged states no longer match
	res2 := env.test(DirIn, tcpPkt(t, clientPort(0), server, ackFlags, 1001, 5001, payload(10)))
	assert.Equal(t, VerdictDrop, res2.Verdict)
	assert.Equal(t, ReasonMatch, res2.Reason)

	freed := env.e.PurgeAll()
	assert.Equal(t, 3, freed.States)
	assert.Equal(t, 1, freed.SrcNodes)
	assert.Empty(t, env.e.SourceNodes())
}

func TestMaxSrcConnRate(t *testing.T) {
	env := newTestEnv(t, limitedWeb(func(r *Rule) {
		r.MaxSrcConnRate = Rate{Limit: 1, Seconds: 10}
	}))

	res := handshake(t, env, clientPort(0), server)
	require.Equal(t, VerdictPass, res[2].Verdict)

	res = handshake(t, env, clientPort(1), server)
	assert.Equal(t, ReasonSrcLimit, res[2].Reason)
	assert.Equal(t, uint64(1), env.e.Status().LimitCounters["max-src-conn-rate"])

	// the rate decays
	env.clock.advance(10)
	res = handshake(t, env, clientPort(2), server)
	assert.Equal(t, VerdictPass, res[2].Verdict)
}

func TestMaxSrcStates(t *testing.T) {
	env := newTestEnv(t, limitedWeb(func(r *Rule) { r.MaxSrcStates = 1 }))

	res := env.test(DirIn, tcpPkt(t, clientPort(0), server, synFlags, 1000, 0))
	require.Equal(t, VerdictPass, res.Verdict)
	res = env.test(DirIn, tcpPkt(t, clientPort(1), server, synFlags, 1000, 0))
	assert.Equal(t, VerdictDrop, res.Verdict)
	assert.Equal(t, ReasonSrcLimit, res.Reason)

	// another source has its own budget
	res = env.test(DirIn, tcpPkt(t, "203.0.113.4:40000", server, synFlags, 1000, 0))
	assert.Equal(t, VerdictPass, res.Verdict)
	assert.Equal(t, uint64(1), env.e.Status().LimitCounters["max-src-states"])
}

func TestMaxSrcNodes(t *testing.T) {
	env := newTestEnv(t, limitedWeb(func(r *Rule) { r.MaxSrcNodes = 1 }))

	res := env.test(DirIn, tcpPkt(t, clientPort(0), server, synFlags, 1000, 0))
	require.Equal(t, VerdictPass, res.Verdict)
	res = env.test(DirIn, tcpPkt(t, "203.0.113.4:40000", server, synFlags, 1000, 0))
	assert.Equal(t, ReasonSrcLimit, res.Reason)
	assert.Equal(t, uint64(1), env.e.Status().LimitCounters["max-src-nodes"])
}

func TestSourceNodeOutlivesStates(t *testing.T) {
	env := newTestEnv(t, limitedWeb(func(r *Rule) {
		r.MaxSrcStates = 10
		r.Timeouts[TimeoutSrcNode] = 30
	}))
	env.test(DirIn, tcpPkt(t, clientPort(0), server, synFlags, 1000, 0))

	require.Equal(t, 1, env.e.KillStates(netip.Prefix{}, netip.Prefix{}))
	env.e.PurgeAll()
	nodes := env.e.SourceNodes()
	require.Len(t, nodes, 1)
	assert.Zero(t, nodes[0].States)
	assert.Equal(t, int64(30), nodes[0].ExpiresIn)

	env.clock.advance(30)
	assert.Equal(t, 1, env.e.PurgeAll().SrcNodes)
}

func TestStickyAddress(t *testing.T) {
	env := newTestEnv(t, func(rs *Ruleset) {
		rs.Append(KindNAT, &Rule{
			Action: ActionNAT,
			Pool: Pool{
				Addrs:  []AddrWrap{Host(addr("192.0.2.1")), Host(addr("192.0.2.2"))},
				Type:   PoolRoundRobin,
				Sticky: true,
			},
		})
		passAll(rs)
	})

	first := env.test(DirOut, udpPkt(t, lanHost, extDNS))
	require.Equal(t, VerdictPass, first.Verdict)
	want := requireRewrite(t, first, packet.FieldSrcAddr).Addr

	// round-robin would move on; the sticky source node pins the address
	res := env.test(DirOut, udpPkt(t, lanHost, "203.0.113.1:53"))
	assert.Equal(t, want, requireRewrite(t, res, packet.FieldSrcAddr).Addr)

	res = env.test(DirOut, udpPkt(t, "10.0.0.6:1234", extDNS))
	assert.NotEqual(t, want, requireRewrite(t, res, packet.FieldSrcAddr).Addr)

	nodes := env.e.SourceNodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, addr("10.0.0.5"), nodes[0].Addr)
	assert.Equal(t, want, nodes[0].RAddr)
	assert.Equal(t, uint32(2), nodes[0].States)
}

func TestFlushSourceNodes(t *testing.T) {
	env := newTestEnv(t, limitedWeb(func(r *Rule) { r.SourceTrack = SourceTrackGlobal }))
	env.test(DirIn, tcpPkt(t, clientPort(0), server, synFlags, 1000, 0))
	env.test(DirIn, tcpPkt(t, "203.0.113.4:40000", server, synFlags, 1000, 0))

	assert.Equal(t, 2, env.e.FlushSourceNodes())
	assert.Empty(t, env.e.SourceNodes())
	env.e.states.each(func(s *State) bool {
		assert.Nil(t, s.srcNode)
		return true
	})
	// states keep working without their nodes
	res := env.test(DirOut, tcpPkt(t, server, clientPort(0), synAckFlags, 5000, 1001))
	assert.Equal(t, VerdictPass, res.Verdict)
}

func TestStateInsertFailureReleasesSourceNode(t *testing.T) {
	track := func(rs *Ruleset) {
		rs.Append(KindFilter, &Rule{Action: ActionPass, KeepState: KeepNormal, SourceTrack: SourceTrackRule})
	}
	env := newTestEnv(t, track)
	res := env.test(DirOut, udpPkt(t, "10.0.0.5:2000", extDNS))
	require.Equal(t, VerdictPass, res.Verdict)
	// flagged for the purge but still indexed
	env.onlyState(t).Timeout = TimeoutPurge

	// the reloaded rule tracks sources under a node of its own
	rs := NewRuleset()
	track(rs)
	require.NoError(t, env.e.LoadRuleset(rs))

	res = env.test(DirOut, udpPkt(t, "10.0.0.5:2000", extDNS))
	require.Equal(t, VerdictDrop, res.Verdict)
	assert.Equal(t, ReasonStateInsert, res.Reason)

	nodes := env.e.SourceNodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, uint32(1), nodes[0].States)
	assert.Equal(t, 1, env.e.Status().SrcNodes)
}

func TestOverloadFlushMatchesTriggeringSide(t *testing.T) {
	env := newTestEnv(t, func(rs *Ruleset) {
		limitedWeb(func(r *Rule) {
			r.MaxSrcConn = 1
			r.Overload = "bad"
			r.Flush = FlushGlobal
		})(rs)
		rs.Append(KindFilter, &Rule{Action: ActionPass, Direction: DirOut, Proto: protoUDP, KeepState: KeepNormal})
	})

	// an outbound flow towards the offending address
	res := env.test(DirOut, udpPkt(t, "10.0.0.9:2000", extDNS))
	require.Equal(t, VerdictPass, res.Verdict)
	udp := env.onlyState(t)

	require.Equal(t, VerdictPass, handshake(t, env, clientPort(0), server)[2].Verdict)
	res = handshake(t, env, clientPort(1), server)[2]
	require.Equal(t, VerdictDrop, res.Verdict)
	require.Equal(t, ReasonSrcLimit, res.Reason)

	assert.Equal(t, TimeoutPurge, udp.Timeout)
}
