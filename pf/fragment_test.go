package pf

import (
	"encoding/binary"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igjeong/hyper-pf/packet"
)

// udpHead is the start of a 32 byte UDP datagram split over two fragments.
func udpHead(sport, dport uint16) []byte {
	b := make([]byte, 24)
	binary.BigEndian.PutUint16(b[0:], sport)
	binary.BigEndian.PutUint16(b[2:], dport)
	binary.BigEndian.PutUint16(b[4:], 32)
	return b
}

func TestFragmentsFollowTheFirst(t *testing.T) {
	env := newTestEnv(t, natOut(50001, 50001))

	res := env.test(DirOut, fragPkt(t, "10.0.0.5", "198.51.100.7", 77, 0, true, udpHead(1234, 53)))
	require.Equal(t, VerdictPass, res.Verdict)
	assert.Equal(t, addr(natAddr), requireRewrite(t, res, packet.FieldSrcAddr).Addr)
	assert.Equal(t, uint16(50001), requireRewrite(t, res, packet.FieldSrcPort).Port)
	assert.Equal(t, 1, env.e.Status().Frags)

	res = env.test(DirOut, fragPkt(t, "10.0.0.5", "198.51.100.7", 77, 3, false, make([]byte, 8)))
	require.Equal(t, VerdictPass, res.Verdict)
	require.Len(t, res.Rewrites, 1)
	assert.Equal(t, packet.FieldSrcAddr, res.Rewrites[0].Field)
	assert.Equal(t, addr(natAddr), res.Rewrites[0].Addr)

	// another datagram id is evaluated on its own
	res = env.test(DirOut, fragPkt(t, "10.0.0.5", "198.51.100.7", 78, 3, false, make([]byte, 8)))
	assert.Equal(t, VerdictPass, res.Verdict)
	assert.Empty(t, res.Rewrites)
}

func TestFragmentOfBlockedDatagram(t *testing.T) {
	env := newTestEnv(t, func(rs *Ruleset) {
		rs.Append(KindFilter, &Rule{Action: ActionPass})
		rs.Append(KindFilter, &Rule{Action: ActionDrop, Direction: DirIn, Proto: protoUDP, Dst: portEq(53)})
	})

	res := env.test(DirIn, fragPkt(t, "198.51.100.7", "10.0.0.5", 5, 0, true, udpHead(4000, 53)))
	require.Equal(t, VerdictDrop, res.Verdict)

	res = env.test(DirIn, fragPkt(t, "198.51.100.7", "10.0.0.5", 5, 3, false, make([]byte, 8)))
	assert.Equal(t, VerdictDrop, res.Verdict)
	assert.Empty(t, res.Rewrites)
}

func TestFragmentsFollowOptionsDrop(t *testing.T) {
	env := newTestEnv(t, passAll)

	first := fragPkt(t, "10.0.0.5", "198.51.100.7", 12, 0, true, udpHead(1234, 53))
	res := env.test(DirOut, parse(t, withIPOptions(first.Raw)))
	require.Equal(t, VerdictDrop, res.Verdict)
	require.Equal(t, ReasonIPOption, res.Reason)

	res = env.test(DirOut, fragPkt(t, "10.0.0.5", "198.51.100.7", 12, 3, false, make([]byte, 8)))
	assert.Equal(t, VerdictDrop, res.Verdict)
	assert.Equal(t, ReasonIPOption, res.Reason)
	assert.Empty(t, res.Rewrites)
}

func TestFragmentWithoutFirst(t *testing.T) {
	tests := []struct {
		name  string
		rules []*Rule
		want  Verdict
	}{
		{
			name: "port rules never match",
			rules: []*Rule{
				{Action: ActionDrop},
				{Action: ActionPass, Proto: protoUDP, Dst: portEq(53)},
			},
			want: VerdictDrop,
		},
		{
			name: "protocol rule matches",
			rules: []*Rule{
				{Action: ActionDrop},
				{Action: ActionPass, Proto: protoUDP},
			},
			want: VerdictPass,
		},
		{
			name: "fragment only rule",
			rules: []*Rule{
				{Action: ActionPass},
				{Action: ActionDrop, Fragment: true},
			},
			want: VerdictDrop,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(rs *Ruleset) {
				for _, r := range tt.rules {
					rs.Append(KindFilter, r)
				}
			})
			res := env.test(DirIn, fragPkt(t, "198.51.100.7", "10.0.0.5", 9, 3, false, make([]byte, 8)))
			assert.Equal(t, tt.want, res.Verdict)
		})
	}
}

func TestBadFragmentIsDropped(t *testing.T) {
	env := newTestEnv(t, passAll)
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Id: 1, Protocol: layers.IPProtocolUDP,
		Flags: layers.IPv4MoreFragments,
		SrcIP: addr("198.51.100.7").AsSlice(),
		DstIP: addr("10.0.0.5").AsSlice(),
	}
	// more fragments follow a piece that is not a multiple of 8 bytes
	raw := serialize(t, ip, gopacket.Payload(make([]byte, 12)))

	p, res := env.e.TestRaw(DirIn, "em0", raw)
	assert.Nil(t, p)
	assert.Equal(t, VerdictDrop, res.Verdict)
	assert.Equal(t, ReasonFragment, res.Reason)
	assert.Equal(t, uint64(1), env.e.Status().Reasons["fragment"])
}

func TestFragmentCacheExpires(t *testing.T) {
	env := newTestEnv(t, passAll)
	env.test(DirIn, fragPkt(t, "198.51.100.7", "10.0.0.5", 5, 0, true, udpHead(4000, 53)))
	require.Equal(t, 1, env.e.Status().Frags)

	// trailing fragments keep the entry fresh
	env.clock.advance(20)
	env.test(DirIn, fragPkt(t, "198.51.100.7", "10.0.0.5", 5, 3, false, make([]byte, 8)))
	env.clock.advance(20)
	assert.Zero(t, env.e.PurgeAll().Frags)

	env.clock.advance(10)
	assert.Equal(t, 1, env.e.PurgeAll().Frags)
	assert.Zero(t, env.e.Status().Frags)
}
