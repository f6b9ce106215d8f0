package packet

import (
	"net/netip"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"
)

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

func ipLayer(t *testing.T, src, dst string, proto layers.IPProtocol) (gopacket.SerializableLayer, gopacket.NetworkLayer) {
	t.Helper()
	s, d := netip.MustParseAddr(src), netip.MustParseAddr(dst)
	if s.Is4() {
		ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: proto, SrcIP: s.AsSlice(), DstIP: d.AsSlice()}
		return ip, ip
	}
	ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: proto, SrcIP: s.AsSlice(), DstIP: d.AsSlice()}
	return ip, ip
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, serializeOpts, ls...))
	return append([]byte(nil), buf.Bytes()...)
}

func buildTCP(t *testing.T, src, dst string, sport, dport uint16, tcp *layers.TCP, payload []byte) []byte {
	t.Helper()
	ip, nl := ipLayer(t, src, dst, layers.IPProtocolTCP)
	tcp.SrcPort, tcp.DstPort = layers.TCPPort(sport), layers.TCPPort(dport)
	if tcp.Window == 0 {
		tcp.Window = 8192
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(nl))
	return serialize(t, ip, tcp, gopacket.Payload(payload))
}

func buildUDP(t *testing.T, src, dst string, sport, dport uint16, payload []byte) []byte {
	t.Helper()
	ip, nl := ipLayer(t, src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(nl))
	return serialize(t, ip, udp, gopacket.Payload(payload))
}

func buildEcho(t *testing.T, src, dst string, id, seq uint16) []byte {
	t.Helper()
	ip, _ := ipLayer(t, src, dst, layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       id,
		Seq:      seq,
	}
	return serialize(t, ip, icmp, gopacket.Payload([]byte("ping")))
}

// buildUnreach wraps the first 28 bytes of quoted in an ICMP port unreachable.
func buildUnreach(t *testing.T, src, dst string, quoted []byte) []byte {
	t.Helper()
	ip, _ := ipLayer(t, src, dst, layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodePort),
	}
	n := 28
	if len(quoted) < n {
		n = len(quoted)
	}
	return serialize(t, ip, icmp, gopacket.Payload(quoted[:n]))
}

func mustParse(t *testing.T, raw []byte) *ParsedPacket {
	t.Helper()
	p, err := Parse(raw)
	require.NoError(t, err)
	return p
}

// transportSum folds the transport checksum including the pseudo-header
// where the protocol has one. A valid segment folds to zero.
func transportSum(p *ParsedPacket) uint16 {
	seg := p.Raw[p.L4Offset:]
	if p.ICMP != nil && !p.ICMP.V6 {
		return fold(sum16(seg, 0))
	}
	src, dst := p.Src().AsSlice(), p.Dst().AsSlice()
	initial := sum16(src, 0)
	initial = sum16(dst, initial)
	initial += uint32(p.Protocol()) + uint32(len(seg))
	return fold(sum16(seg, initial))
}

func requireValidChecksums(t *testing.T, p *ParsedPacket) {
	t.Helper()
	if p.IPv4 != nil {
		require.Zero(t, Checksum(p.Raw[:p.IPv4.HeaderLength()]), "ip header checksum")
	}
	require.Zero(t, transportSum(p), "transport checksum")
}
