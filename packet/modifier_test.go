package packet

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyRewritesTCPAddressAndPort(t *testing.T) {
	raw := buildTCP(t, "172.23.240.10", "8.8.8.8", 54321, 443,
		&layers.TCP{Seq: 1, ACK: true, Ack: 9}, []byte("payload"))
	p := mustParse(t, raw)

	natIP := netip.MustParseAddr("203.0.113.5")
	err := ApplyRewrites(p, []Rewrite{
		{Field: FieldSrcAddr, Addr: natIP},
		{Field: FieldSrcPort, Port: 50001},
	})
	require.NoError(t, err)
	assert.Equal(t, natIP, p.Src())
	assert.Equal(t, uint16(50001), p.SrcPort())
	requireValidChecksums(t, p)

	again := mustParse(t, p.Raw)
	assert.Equal(t, natIP, again.Src())
	assert.Equal(t, uint16(50001), again.SrcPort())
	assert.Equal(t, p.TCP.Checksum, again.TCP.Checksum)
	assert.Equal(t, p.IPv4.Checksum, again.IPv4.Checksum)
}

func TestApplyRewritesIPv6UDP(t *testing.T) {
	p := mustParse(t, buildUDP(t, "2001:db8::1", "2001:db8::2", 5353, 53, []byte("q")))

	err := ApplyRewrites(p, []Rewrite{
		{Field: FieldDstAddr, Addr: netip.MustParseAddr("2001:db8:ffff::9")},
		{Field: FieldDstPort, Port: 5300},
	})
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("2001:db8:ffff::9"), p.Dst())
	requireValidChecksums(t, p)

	again := mustParse(t, p.Raw)
	assert.Equal(t, uint16(5300), again.DstPort())
	assert.Equal(t, again.UDP.Checksum, p.UDP.Checksum)
}

func TestApplyRewritesKeepsZeroUDPChecksum(t *testing.T) {
	raw := buildUDP(t, "10.0.0.1", "10.0.0.2", 1000, 2000, []byte("x"))
	binary.BigEndian.PutUint16(raw[26:28], 0)
	p := mustParse(t, raw)

	require.NoError(t, ApplyRewrites(p, []Rewrite{{Field: FieldSrcPort, Port: 3000}}))
	assert.Zero(t, binary.BigEndian.Uint16(p.Raw[26:28]))
}

func TestApplyRewritesSequenceAndUnalignedOption(t *testing.T) {
	sack := make([]byte, 8)
	binary.BigEndian.PutUint32(sack[0:4], 0x01020304)
	binary.BigEndian.PutUint32(sack[4:8], 0x05060708)
	tcp := &layers.TCP{
		ACK: true,
		Seq: 100,
		Ack: 200,
		Options: []layers.TCPOption{
			{OptionType: layers.TCPOptionKindNop},
			{OptionType: layers.TCPOptionKindSACK, OptionLength: 10, OptionData: sack},
		},
	}
	p := mustParse(t, buildTCP(t, "10.0.0.1", "10.0.0.2", 1, 2, tcp, []byte("abc")))
	blocks := p.TCP.SACKBlocks()
	require.Len(t, blocks, 1)
	require.Equal(t, 3, blocks[0].Offset)

	err := ApplyRewrites(p, []Rewrite{
		{Field: FieldTCPSeq, Value: 0xdeadbeef},
		{Field: FieldTCPAck, Value: 0x0badf00d},
		{Field: FieldTCPOption32, Offset: blocks[0].Offset, Value: 0xa1b2c3d4},
		{Field: FieldTCPOption32, Offset: blocks[0].Offset + 4, Value: 0x11223344},
	})
	require.NoError(t, err)
	requireValidChecksums(t, p)

	again := mustParse(t, p.Raw)
	assert.Equal(t, uint32(0xdeadbeef), again.TCP.SeqNum)
	assert.Equal(t, uint32(0x0badf00d), again.TCP.AckNum)
	got := again.TCP.SACKBlocks()
	require.Len(t, got, 1)
	assert.Equal(t, uint32(0xa1b2c3d4), got[0].Left)
	assert.Equal(t, uint32(0x11223344), got[0].Right)
}

func TestApplyRewritesOptionOutOfRange(t *testing.T) {
	p := mustParse(t, buildTCP(t, "10.0.0.1", "10.0.0.2", 1, 2, &layers.TCP{ACK: true}, nil))
	err := ApplyRewrites(p, []Rewrite{{Field: FieldTCPOption32, Offset: 0, Value: 1}})
	assert.ErrorIs(t, err, ErrOptionOutOfSpan)
}

func TestApplyRewritesICMPEchoID(t *testing.T) {
	p := mustParse(t, buildEcho(t, "10.0.0.1", "8.8.8.8", 0x1111, 1))

	err := ApplyRewrites(p, []Rewrite{
		{Field: FieldSrcAddr, Addr: netip.MustParseAddr("203.0.113.5")},
		{Field: FieldICMPID, Port: 0x2222},
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(0x2222), p.ICMP.Identifier)
	requireValidChecksums(t, p)
}

func TestApplyRewritesICMPErrorQuote(t *testing.T) {
	inner := buildUDP(t, "203.0.113.5", "198.51.100.7", 50001, 53, []byte("query"))
	p := mustParse(t, buildUnreach(t, "198.51.100.7", "203.0.113.5", inner))

	lan := netip.MustParseAddr("10.0.0.5")
	err := ApplyRewrites(p, []Rewrite{
		{Field: FieldInnerSrcAddr, Addr: lan},
		{Field: FieldInnerSrcPort, Port: 40000},
		{Field: FieldDstAddr, Addr: lan},
	})
	require.NoError(t, err)
	requireValidChecksums(t, p)

	again := mustParse(t, p.Raw)
	assert.Equal(t, lan, again.Dst())
	require.NotNil(t, again.Inner)
	assert.Equal(t, lan, again.Inner.Src())
	assert.Equal(t, uint16(40000), again.Inner.SrcPort())
	assert.Zero(t, Checksum(again.Raw[again.PayloadOffset:again.PayloadOffset+20]), "quoted ip checksum")
}

func TestApplyRewritesErrors(t *testing.T) {
	p := mustParse(t, buildUDP(t, "10.0.0.1", "10.0.0.2", 1, 2, nil))

	err := ApplyRewrites(p, []Rewrite{{Field: FieldSrcAddr, Addr: netip.MustParseAddr("2001:db8::1")}})
	assert.ErrorIs(t, err, ErrFamilyMismatch)

	err = ApplyRewrites(p, []Rewrite{{Field: FieldTCPSeq, Value: 1}})
	assert.ErrorIs(t, err, ErrNoHeader)

	err = ApplyRewrites(p, []Rewrite{{Field: FieldInnerSrcPort, Port: 1}})
	assert.ErrorIs(t, err, ErrNoHeader)
}

func TestFixupAgreesWithRecompute(t *testing.T) {
	data := []byte{0x45, 0x00, 0x12, 0x34, 0xab, 0xcd, 0xff, 0xff, 0x00, 0x01}
	sum := Checksum(data)

	for _, word := range []uint16{0x0000, 0x0001, 0xfffe, 0xffff, 0x8000} {
		mod := append([]byte(nil), data...)
		old := binary.BigEndian.Uint16(mod[4:6])
		binary.BigEndian.PutUint16(mod[4:6], word)
		want := Checksum(mod)
		got := Fixup(sum, old, word, false)
		if got != want {
			// 0x0000 and 0xffff are the same value in one's complement.
			assert.Equal(t, want^got, uint16(0xffff), "word %#04x", word)
		}
	}
}

func TestRewriteString(t *testing.T) {
	assert.Equal(t, "src-port=80", Rewrite{Field: FieldSrcPort, Port: 80}.String())
	assert.Equal(t, "dst-addr=10.0.0.1", Rewrite{Field: FieldDstAddr, Addr: netip.MustParseAddr("10.0.0.1")}.String())
	assert.Equal(t, "tcp-opt[3]=7", Rewrite{Field: FieldTCPOption32, Offset: 3, Value: 7}.String())
}
