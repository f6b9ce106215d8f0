package pf

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igjeong/hyper-pf/errors"
)

func TestStateSnapshots(t *testing.T) {
	env := newTestEnv(t, natOut(50001, 50001))
	res := env.test(DirOut, udpPkt(t, lanHost, extDNS))
	require.Equal(t, VerdictPass, res.Verdict)
	require.NotNil(t, res.State)

	env.clock.advance(5)
	states := env.e.States()
	require.Len(t, states, 1)
	si := states[0]
	assert.Equal(t, uint64(1), si.ID)
	assert.Equal(t, uint32(7), si.CreatorID)
	assert.Equal(t, DirOut, si.Direction)
	assert.Equal(t, Endpoint{addr("10.0.0.5"), 1234}, si.LAN)
	assert.Equal(t, Endpoint{addr(natAddr), 50001}, si.GWY)
	assert.Equal(t, Endpoint{addr("198.51.100.7"), 53}, si.EXT)
	assert.Equal(t, int64(5), si.Age)
	assert.Equal(t, int64(55), si.ExpiresIn)
	assert.Equal(t, "udp.first", si.Timeout)
	assert.Equal(t, [2]uint64{1, 0}, si.Packets)
	assert.Equal(t, "pass all keep state", si.Rule)
	assert.Equal(t, "nat out from 10.0.0.0/8 to any -> 192.0.2.1 port 50001", si.NATRule)
	assert.Equal(t,
		"all udp 10.0.0.5:1234 -> 192.0.2.1:50001 -> 198.51.100.7:53       SINGLE:NO_TRAFFIC",
		si.String())

	byID, ok := env.e.StateByID(1, 7)
	require.True(t, ok)
	assert.Equal(t, si, byID)
	_, ok = env.e.StateByID(1, 8)
	assert.False(t, ok)
}

func TestFindState(t *testing.T) {
	env := newTestEnv(t, natOut(50001, 50001))
	env.test(DirOut, udpPkt(t, lanHost, extDNS))

	reply := Flow{Family: 4, Proto: protoUDP,
		Src: addr("198.51.100.7"), SrcPort: 53, Dst: addr(natAddr), DstPort: 50001}
	si, ok := env.e.FindState(DirIn, "em1", reply)
	require.True(t, ok)
	assert.Equal(t, uint64(1), si.ID)

	out := Flow{Family: 4, Proto: protoUDP,
		Src: addr("10.0.0.5"), SrcPort: 1234, Dst: addr("198.51.100.7"), DstPort: 53}
	_, ok = env.e.FindState(DirOut, "em0", out)
	assert.True(t, ok)

	// the untranslated address is not reachable from outside
	reply.Dst, reply.DstPort = addr("10.0.0.5"), 1234
	_, ok = env.e.FindState(DirIn, "em1", reply)
	assert.False(t, ok)
}

func TestKillStatesByPrefix(t *testing.T) {
	env := newTestEnv(t, passAll)
	env.test(DirOut, udpPkt(t, "10.0.0.5:1000", extDNS))
	env.test(DirOut, udpPkt(t, "10.0.0.6:1000", extDNS))
	env.test(DirIn, udpPkt(t, "203.0.113.9:1000", "10.0.0.5:53"))

	assert.Equal(t, 1, env.e.KillStates(pfx("10.0.0.6/32"), netip.Prefix{}))
	// inbound states are matched from their initiator
	assert.Equal(t, 1, env.e.KillStates(pfx("203.0.113.0/24"), pfx("10.0.0.0/8")))
	assert.Zero(t, env.e.KillStates(pfx("203.0.113.0/24"), netip.Prefix{}))
	assert.Len(t, env.e.States(), 1)
	assert.Equal(t, 2, env.e.PurgeAll().States)
}

func TestRulesSnapshot(t *testing.T) {
	env := newTestEnv(t, natOut(50001, 50001))
	env.test(DirOut, udpPkt(t, lanHost, extDNS))
	env.test(DirIn, udpPkt(t, extDNS, natAddr+":50001"))

	rules := env.e.Rules()
	require.Len(t, rules, 2)
	filter, nat := rules[0], rules[1]
	assert.Equal(t, "filter", filter.Kind)
	assert.Equal(t, "pass all keep state", filter.Text)
	assert.Equal(t, uint32(1), filter.States)
	assert.Equal(t, uint64(1), filter.StatesTotal)
	assert.Equal(t, [2]uint64{1, 1}, filter.Packets)

	assert.Equal(t, "nat", nat.Kind)
	assert.Equal(t, uint32(1), nat.States)
	assert.Equal(t, uint64(1), nat.Evaluations)
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, passAll)
	env.test(DirOut, udpPkt(t, lanHost, extDNS))
	env.test(DirOut, tcpPkt(t, "10.0.0.5:1234", "198.51.100.7:80", ackFlags, 1, 1))
	env.clock.advance(3)

	st := env.e.Status()
	assert.Equal(t, uint32(7), st.HostID)
	assert.Equal(t, env.e.Ruleset().Ticket, st.Ticket)
	assert.Equal(t, int64(3), st.Uptime)
	assert.False(t, st.StateLock)
	assert.Equal(t, 2, st.States)
	assert.Equal(t, uint64(2), st.Verdicts["pass"])
	assert.Equal(t, uint64(2), st.Reasons["match"])
	assert.Equal(t, uint64(2), st.StateInserts)
	assert.Equal(t, 10000, st.Limits["states"])
	assert.Contains(t, st.LimitCounters, "max-src-conn-rate")
}

func TestTableAdmin(t *testing.T) {
	env := newTestEnv(t, func(rs *Ruleset) {
		rs.Append(KindFilter, &Rule{Action: ActionPass})
		rs.Append(KindFilter, &Rule{Action: ActionDrop, Src: RuleAddr{Addr: TableAddr("blocked")}})
	})

	assert.Equal(t, VerdictPass, env.test(DirIn, udpPkt(t, "203.0.113.9:1000", "10.0.0.5:53")).Verdict)

	assert.Equal(t, 2, env.e.TableAdd("blocked", pfx("203.0.113.0/24"), pfx("198.51.100.7/32")))
	assert.Equal(t, 0, env.e.TableAdd("blocked", pfx("203.0.113.0/24")))
	assert.Equal(t, VerdictDrop, env.test(DirIn, udpPkt(t, "203.0.113.9:1000", "10.0.0.5:53")).Verdict)

	list, ok := env.e.TableList("blocked")
	require.True(t, ok)
	assert.Equal(t, []netip.Prefix{pfx("198.51.100.7/32"), pfx("203.0.113.0/24")}, list)

	assert.Equal(t, 1, env.e.TableDelete("blocked", pfx("203.0.113.0/24")))
	assert.Equal(t, VerdictPass, env.test(DirIn, udpPkt(t, "203.0.113.9:1000", "10.0.0.5:53")).Verdict)

	assert.Zero(t, env.e.TableDelete("missing", pfx("203.0.113.0/24")))
	_, ok = env.e.TableList("missing")
	assert.False(t, ok)
}

func TestSetInterface(t *testing.T) {
	env := newTestEnv(t, func(rs *Ruleset) {
		rs.Append(KindFilter, &Rule{Action: ActionPass})
		rs.Append(KindFilter, &Rule{Action: ActionDrop, Direction: DirIn, Dst: RuleAddr{Addr: DynAddr("em0")}})
	})
	assert.Equal(t, VerdictPass, env.test(DirIn, udpPkt(t, "203.0.113.9:1000", "10.0.0.5:53")).Verdict)

	env.e.SetInterface("em0", addr("10.0.0.5"), addr("2001:db8::5"))
	assert.Equal(t, VerdictDrop, env.test(DirIn, udpPkt(t, "203.0.113.9:1000", "10.0.0.5:53")).Verdict)
	assert.Equal(t, []netip.Addr{addr("10.0.0.5"), addr("2001:db8::5")}, env.e.Interfaces().Addrs("em0"))

	env.e.SetInterface("em0", addr("10.0.0.6"))
	assert.Equal(t, VerdictPass, env.test(DirIn, udpPkt(t, "203.0.113.9:1000", "10.0.0.5:53")).Verdict)
}

func TestSetLimit(t *testing.T) {
	env := newTestEnv(t, passAll)
	env.test(DirOut, udpPkt(t, "10.0.0.5:1000", extDNS))
	env.test(DirOut, udpPkt(t, "10.0.0.5:1001", extDNS))

	err := env.e.SetLimit(LimitStates, 1)
	require.Error(t, err)
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))
	assert.Equal(t, 2, errors.GetAttributes(err)["in_use"])

	require.NoError(t, env.e.SetLimit(LimitStates, 2))
	res := env.test(DirOut, udpPkt(t, "10.0.0.5:1002", extDNS))
	assert.Equal(t, ReasonMemory, res.Reason)
	assert.Equal(t, 2, env.e.Status().Limits["states"])

	err = env.e.SetLimit(limitCount, 1)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))

	// zero lifts the limit
	require.NoError(t, env.e.SetLimit(LimitStates, 0))
	res = env.test(DirOut, udpPkt(t, "10.0.0.5:1002", extDNS))
	assert.Equal(t, VerdictPass, res.Verdict)
}

func TestStateLock(t *testing.T) {
	env := newTestEnv(t, passAll)
	env.test(DirOut, udpPkt(t, lanHost, extDNS))

	env.e.SetStateLock(true)
	assert.True(t, env.e.Status().StateLock)
	res := env.test(DirOut, udpPkt(t, "10.0.0.6:1234", extDNS))
	assert.Equal(t, VerdictDrop, res.Verdict)
	assert.Equal(t, ReasonMemory, res.Reason)

	// existing states keep passing
	res = env.test(DirIn, udpPkt(t, extDNS, lanHost))
	assert.Equal(t, VerdictPass, res.Verdict)
}
