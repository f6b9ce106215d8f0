package pf

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igjeong/hyper-pf/packet"
)

func TestSynproxyMSS(t *testing.T) {
	tests := []struct {
		af      uint8
		offered uint16
		want    uint16
	}{
		{packet.FamilyInet, 1400, 1400},
		{packet.FamilyInet, 9000, 1460},
		{packet.FamilyInet6, 9000, 1440},
		{packet.FamilyInet, 0, 512},
		{packet.FamilyInet, 20, 64},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, synproxyMSS(tt.af, tt.offered), "af=%d offered=%d", tt.af, tt.offered)
	}
}

// proxiedHandshake completes the client side of a proxied connection and
// returns the state.
func proxiedHandshake(t *testing.T, env *testEnv) *State {
	t.Helper()
	env.rand.next = 7000

	res := env.test(DirIn, tcpPkt(t, client, server, synFlags, 1000, 0, mss(1400)))
	require.Equal(t, VerdictSynProxyDrop, res.Verdict)
	require.Equal(t, ReasonSynProxy, res.Reason)
	require.Len(t, env.sender.tcp, 1)

	synAck := env.sender.tcp[0]
	assert.Equal(t, uint8(synAckFlags), synAck.Flags)
	assert.Equal(t, addr("10.0.0.5"), synAck.Src)
	assert.Equal(t, uint16(80), synAck.SrcPort)
	assert.Equal(t, addr("198.51.100.7"), synAck.Dst)
	assert.Equal(t, uint32(7000), synAck.Seq)
	assert.Equal(t, uint32(1001), synAck.Ack)
	assert.Equal(t, uint16(1400), synAck.MSS)

	s := env.onlyState(t)
	assert.Equal(t, TCPProxySrc, s.Src.State)

	res = env.test(DirIn, tcpPkt(t, client, server, ackFlags, 1001, 7001))
	require.Equal(t, VerdictSynProxyDrop, res.Verdict)
	assert.Equal(t, TCPProxyDst, s.Src.State)
	require.Len(t, env.sender.tcp, 2)

	syn := env.sender.tcp[1]
	assert.Equal(t, uint8(synFlags), syn.Flags)
	assert.Equal(t, addr("198.51.100.7"), syn.Src)
	assert.Equal(t, uint16(40000), syn.SrcPort)
	assert.Equal(t, addr("10.0.0.5"), syn.Dst)
	assert.Equal(t, uint16(80), syn.DstPort)
	assert.Equal(t, uint32(7001), syn.Seq)
	assert.Equal(t, uint16(1400), syn.MSS)
	return s
}

func TestSynproxyHandshake(t *testing.T) {
	env := newTestEnv(t, passInWeb(KeepSynProxy))
	s := proxiedHandshake(t, env)

	res := env.test(DirOut, tcpPkt(t, server, client, synAckFlags, 9000, 7002))
	require.Equal(t, VerdictSynProxyDrop, res.Verdict)
	require.Len(t, env.sender.tcp, 4)

	toServer := env.sender.tcp[2]
	assert.Equal(t, uint8(ackFlags), toServer.Flags)
	assert.Equal(t, addr("198.51.100.7"), toServer.Src)
	assert.Equal(t, addr("10.0.0.5"), toServer.Dst)
	assert.Equal(t, uint32(7002), toServer.Seq)
	assert.Equal(t, uint32(9001), toServer.Ack)
	assert.Equal(t, uint16(8192), toServer.Window)

	toClient := env.sender.tcp[3]
	assert.Equal(t, uint8(ackFlags), toClient.Flags)
	assert.Equal(t, addr("10.0.0.5"), toClient.Src)
	assert.Equal(t, addr("198.51.100.7"), toClient.Dst)
	assert.Equal(t, uint32(7001), toClient.Seq)
	assert.Equal(t, uint32(1001), toClient.Ack)

	assert.Equal(t, TCPEstablished, s.Src.State)
	assert.Equal(t, TCPEstablished, s.Dst.State)
	assert.Zero(t, s.Src.WScale)
	assert.Zero(t, s.Dst.WScale)

	// client data is shifted into the server's sequence space
	res = env.test(DirIn, tcpPkt(t, client, server, ackFlags, 1001, 7001, payload(10)))
	require.Equal(t, VerdictPass, res.Verdict)
	rw, ok := rewriteOf(res, packet.FieldTCPSeq)
	require.True(t, ok)
	assert.Equal(t, uint32(7002), rw.Value)
	rw, ok = rewriteOf(res, packet.FieldTCPAck)
	require.True(t, ok)
	assert.Equal(t, uint32(9001), rw.Value)

	// and server data into the client's
	res = env.test(DirOut, tcpPkt(t, server, client, ackFlags, 9001, 7012, payload(10)))
	require.Equal(t, VerdictPass, res.Verdict)
	rw, _ = rewriteOf(res, packet.FieldTCPSeq)
	assert.Equal(t, uint32(7001), rw.Value)
	rw, _ = rewriteOf(res, packet.FieldTCPAck)
	assert.Equal(t, uint32(1011), rw.Value)
}

func TestSynproxyRejects(t *testing.T) {
	tests := []struct {
		name   string
		pkt    func(t *testing.T) *packet.ParsedPacket
		dir    Direction
		want   Verdict
		resent bool
	}{
		{
			name: "syn retransmission",
			pkt: func(t *testing.T) *packet.ParsedPacket {
				return tcpPkt(t, client, server, synFlags, 1000, 0, mss(1400))
			},
			dir:    DirIn,
			want:   VerdictSynProxyDrop,
			resent: true,
		},
		{
			name: "syn with another sequence number",
			pkt: func(t *testing.T) *packet.ParsedPacket {
				return tcpPkt(t, client, server, synFlags, 3000, 0)
			},
			dir:  DirIn,
			want: VerdictDrop,
		},
		{
			name: "ack for the wrong sequence number",
			pkt: func(t *testing.T) *packet.ParsedPacket {
				return tcpPkt(t, client, server, ackFlags, 1001, 6000)
			},
			dir:  DirIn,
			want: VerdictDrop,
		},
		{
			name: "server side before the handshake",
			pkt: func(t *testing.T) *packet.ParsedPacket {
				return tcpPkt(t, server, client, synAckFlags, 9000, 1001)
			},
			dir:  DirOut,
			want: VerdictSynProxyDrop,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, passInWeb(KeepSynProxy))
			env.rand.next = 7000
			env.test(DirIn, tcpPkt(t, client, server, synFlags, 1000, 0, mss(1400)))
			require.Len(t, env.sender.tcp, 1)

			res := env.test(tt.dir, tt.pkt(t))
			assert.Equal(t, tt.want, res.Verdict)
			assert.Equal(t, ReasonSynProxy, res.Reason)
			if tt.resent {
				require.Len(t, env.sender.tcp, 2)
				assert.Equal(t, env.sender.tcp[0], env.sender.tcp[1])
			} else {
				assert.Len(t, env.sender.tcp, 1)
			}
			assert.Equal(t, TCPProxySrc, env.onlyState(t).Src.State)
		})
	}
}

func TestSynproxyKilledHalfOpenIsReset(t *testing.T) {
	env := newTestEnv(t, passInWeb(KeepSynProxy))
	proxiedHandshake(t, env)

	require.Equal(t, 1, env.e.KillStates(netip.Prefix{}, netip.Prefix{}))
	require.Len(t, env.sender.tcp, 3)
	rst := env.sender.tcp[2]
	assert.Equal(t, uint8(packet.TCPFlagRST|packet.TCPFlagACK), rst.Flags)
	assert.Equal(t, addr("198.51.100.7"), rst.Src)
	assert.Equal(t, addr("10.0.0.5"), rst.Dst)
	assert.Equal(t, uint32(7000), rst.Seq)
	assert.Equal(t, uint32(1001), rst.Ack)
}
