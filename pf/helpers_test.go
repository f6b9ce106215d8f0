package pf

import (
	"io"
	"net/netip"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/igjeong/hyper-pf/packet"
)

type fakeClock struct{ now int64 }

func (c *fakeClock) Now() int64       { return c.now }
func (c *fakeClock) advance(sec int64) { c.now += sec }

// seqRandom hands out next, next+1, ...
type seqRandom struct{ next uint32 }

func (r *seqRandom) Uint32() uint32 {
	v := r.next
	r.next++
	return v
}

type recordingSender struct {
	tcp  []packet.Segment
	icmp []packet.ICMPError
}

func (s *recordingSender) SendTCP(seg packet.Segment)    { s.tcp = append(s.tcp, seg) }
func (s *recordingSender) SendICMP(msg packet.ICMPError) { s.icmp = append(s.icmp, msg) }

type testEnv struct {
	e      *Engine
	clock  *fakeClock
	rand   *seqRandom
	sender *recordingSender
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.DebugLevel)
	return l
}

// newTestEnv builds an engine on a fake clock and loads the rules added
// by build.
func newTestEnv(t *testing.T, build func(rs *Ruleset), opts ...EngineOption) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:  &fakeClock{now: 1000},
		rand:   &seqRandom{next: 1},
		sender: &recordingSender{},
	}
	opts = append([]EngineOption{
		WithLogger(quietLogger()),
		WithClock(env.clock),
		WithRandom(env.rand),
		WithSender(env.sender),
		WithHostID(7),
	}, opts...)
	env.e = NewEngine(opts...)
	rs := NewRuleset()
	if build != nil {
		build(rs)
	}
	require.NoError(t, env.e.LoadRuleset(rs))
	return env
}

func (env *testEnv) test(dir Direction, p *packet.ParsedPacket) Result {
	return env.e.Test(dir, "em0", p)
}

// onlyState returns the single state in the table.
func (env *testEnv) onlyState(t *testing.T) *State {
	t.Helper()
	var found []*State
	env.e.states.each(func(s *State) bool {
		found = append(found, s)
		return true
	})
	require.Len(t, found, 1)
	return found[0]
}

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

func mustAddrPort(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(s)
	require.NoError(t, err)
	return ap
}

func ipLayers(src, dst netip.Addr, proto layers.IPProtocol) (gopacket.SerializableLayer, gopacket.NetworkLayer) {
	if src.Is4() {
		ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: proto, SrcIP: src.AsSlice(), DstIP: dst.AsSlice()}
		return ip, ip
	}
	ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: proto, SrcIP: src.AsSlice(), DstIP: dst.AsSlice()}
	return ip, ip
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, serializeOpts, ls...))
	return append([]byte(nil), buf.Bytes()...)
}

func parse(t *testing.T, raw []byte) *packet.ParsedPacket {
	t.Helper()
	p, err := packet.Parse(raw)
	require.NoError(t, err)
	return p
}

type tcpOpt func(*layers.TCP, *[]byte)

func win(w uint16) tcpOpt { return func(l *layers.TCP, _ *[]byte) { l.Window = w } }

func payload(n int) tcpOpt {
	return func(_ *layers.TCP, p *[]byte) { *p = make([]byte, n) }
}

func mss(v uint16) tcpOpt {
	return func(l *layers.TCP, _ *[]byte) {
		l.Options = append(l.Options, layers.TCPOption{
			OptionType: layers.TCPOptionKindMSS, OptionLength: 4,
			OptionData: []byte{byte(v >> 8), byte(v)},
		})
	}
}

func wscale(shift uint8) tcpOpt {
	return func(l *layers.TCP, _ *[]byte) {
		l.Options = append(l.Options, layers.TCPOption{
			OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3,
			OptionData: []byte{shift},
		})
	}
}

// tcpRaw serializes a TCP segment between two "addr:port" endpoints.
func tcpRaw(t *testing.T, src, dst string, flags uint8, seq, ack uint32, opts ...tcpOpt) []byte {
	t.Helper()
	s, d := mustAddrPort(t, src), mustAddrPort(t, dst)
	l := &layers.TCP{
		SrcPort: layers.TCPPort(s.Port()),
		DstPort: layers.TCPPort(d.Port()),
		Seq:     seq,
		Ack:     ack,
		Window:  8192,
		FIN:     flags&packet.TCPFlagFIN != 0,
		SYN:     flags&packet.TCPFlagSYN != 0,
		RST:     flags&packet.TCPFlagRST != 0,
		PSH:     flags&packet.TCPFlagPSH != 0,
		ACK:     flags&packet.TCPFlagACK != 0,
	}
	var data []byte
	for _, o := range opts {
		o(l, &data)
	}
	ip, nl := ipLayers(s.Addr(), d.Addr(), layers.IPProtocolTCP)
	require.NoError(t, l.SetNetworkLayerForChecksum(nl))
	return serialize(t, ip, l, gopacket.Payload(data))
}

func tcpPkt(t *testing.T, src, dst string, flags uint8, seq, ack uint32, opts ...tcpOpt) *packet.ParsedPacket {
	t.Helper()
	return parse(t, tcpRaw(t, src, dst, flags, seq, ack, opts...))
}

func udpRaw(t *testing.T, src, dst string) []byte {
	t.Helper()
	s, d := mustAddrPort(t, src), mustAddrPort(t, dst)
	l := &layers.UDP{SrcPort: layers.UDPPort(s.Port()), DstPort: layers.UDPPort(d.Port())}
	ip, nl := ipLayers(s.Addr(), d.Addr(), layers.IPProtocolUDP)
	require.NoError(t, l.SetNetworkLayerForChecksum(nl))
	return serialize(t, ip, l, gopacket.Payload([]byte("data")))
}

func udpPkt(t *testing.T, src, dst string) *packet.ParsedPacket {
	t.Helper()
	return parse(t, udpRaw(t, src, dst))
}

func echoPkt(t *testing.T, src, dst string, reply bool, id uint16) *packet.ParsedPacket {
	t.Helper()
	var typ uint8 = layers.ICMPv4TypeEchoRequest
	if reply {
		typ = layers.ICMPv4TypeEchoReply
	}
	ip, _ := ipLayers(netip.MustParseAddr(src), netip.MustParseAddr(dst), layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(typ, 0), Id: id, Seq: 1}
	return parse(t, serialize(t, ip, icmp, gopacket.Payload([]byte("ping"))))
}

// unreachPkt wraps the start of quoted in an ICMP port unreachable.
func unreachPkt(t *testing.T, src, dst string, quoted []byte) *packet.ParsedPacket {
	t.Helper()
	ip, _ := ipLayers(netip.MustParseAddr(src), netip.MustParseAddr(dst), layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodePort),
	}
	n := min(len(quoted), 28)
	return parse(t, serialize(t, ip, icmp, gopacket.Payload(quoted[:n])))
}

// fragPkt builds one IPv4 fragment carrying a slice of a UDP datagram.
func fragPkt(t *testing.T, src, dst string, id uint16, offset uint16, more bool, data []byte) *packet.ParsedPacket {
	t.Helper()
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Id: id, Protocol: layers.IPProtocolUDP,
		FragOffset: offset,
		SrcIP:      netip.MustParseAddr(src).AsSlice(),
		DstIP:      netip.MustParseAddr(dst).AsSlice(),
	}
	if more {
		ip.Flags = layers.IPv4MoreFragments
	}
	return parse(t, serialize(t, ip, gopacket.Payload(data)))
}

// withIPOptions grows the IPv4 header of raw by one word of NOPs.
func withIPOptions(raw []byte) []byte {
	out := make([]byte, 0, len(raw)+4)
	out = append(out, raw[:20]...)
	out = append(out, 1, 1, 1, 0)
	out = append(out, raw[20:]...)
	out[0] = 0x46
	total := len(out)
	out[2], out[3] = byte(total>>8), byte(total)
	// header checksum
	out[10], out[11] = 0, 0
	sum := packet.Checksum(out[:24])
	out[10], out[11] = byte(sum>>8), byte(sum)
	return out
}

func pfx(s string) netip.Prefix { return netip.MustParsePrefix(s) }

func addr(s string) netip.Addr { return netip.MustParseAddr(s) }

func portEq(p uint16) RuleAddr { return RuleAddr{PortOp: PortOpEq, Port: [2]uint16{p}} }

func rewriteOf(res Result, f packet.Field) (packet.Rewrite, bool) {
	for _, rw := range res.Rewrites {
		if rw.Field == f {
			return rw, true
		}
	}
	return packet.Rewrite{}, false
}
