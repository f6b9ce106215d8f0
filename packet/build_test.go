package packet

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTCP(t *testing.T) {
	seg := Segment{
		Src:     netip.MustParseAddr("192.0.2.1"),
		Dst:     netip.MustParseAddr("198.51.100.2"),
		SrcPort: 80,
		DstPort: 40000,
		Seq:     12345,
		Ack:     1001,
		Flags:   TCPFlagSYN | TCPFlagACK,
		Window:  1,
		MSS:     1460,
	}
	raw, err := BuildTCP(seg)
	require.NoError(t, err)

	p := mustParse(t, raw)
	require.NotNil(t, p.TCP)
	assert.Equal(t, seg.Src, p.Src())
	assert.Equal(t, seg.Dst, p.Dst())
	assert.Equal(t, uint32(12345), p.TCP.SeqNum)
	assert.Equal(t, uint32(1001), p.TCP.AckNum)
	assert.True(t, p.TCP.IsSYNACK())
	assert.Equal(t, uint16(1460), p.TCP.MSS())
	assert.Equal(t, uint8(defaultTTL), p.IPv4.TTL)
	requireValidChecksums(t, p)
}

func TestBuildTCPv6Reset(t *testing.T) {
	raw, err := BuildTCP(Segment{
		Src:   netip.MustParseAddr("2001:db8::1"),
		Dst:   netip.MustParseAddr("2001:db8::2"),
		Flags: TCPFlagRST,
		TTL:   255,
	})
	require.NoError(t, err)

	p := mustParse(t, raw)
	assert.True(t, p.TCP.IsRST())
	assert.Equal(t, uint8(255), p.IPv6.HopLimit)
	requireValidChecksums(t, p)
}

func TestBuildTCPFamilyMismatch(t *testing.T) {
	_, err := BuildTCP(Segment{
		Src: netip.MustParseAddr("192.0.2.1"),
		Dst: netip.MustParseAddr("2001:db8::2"),
	})
	assert.ErrorIs(t, err, ErrFamilyMismatch)
}

func TestBuildICMPError(t *testing.T) {
	orig := mustParse(t, buildUDP(t, "10.0.0.5", "198.51.100.9", 5353, 53, []byte("query payload")))
	raw, err := BuildICMPError(ICMPError{
		Src:   netip.MustParseAddr("198.51.100.9"),
		Dst:   netip.MustParseAddr("10.0.0.5"),
		Type:  ICMPTypeUnreach,
		Code:  3,
		Quote: orig.Raw[:QuoteLength(orig)],
	})
	require.NoError(t, err)

	p := mustParse(t, raw)
	require.NotNil(t, p.ICMP)
	assert.Equal(t, ICMPTypeUnreach, p.ICMP.Type)
	assert.Equal(t, uint8(3), p.ICMP.Code)
	require.NotNil(t, p.Inner)
	assert.Equal(t, uint16(5353), p.Inner.UDP.SrcPort)
	assert.Equal(t, uint16(53), p.Inner.UDP.DstPort)
	assert.Equal(t, uint16(0), Checksum(p.Raw[p.L4Offset:]))
}

func TestBuildICMPv6Error(t *testing.T) {
	orig := mustParse(t, buildUDP(t, "2001:db8::5", "2001:db8::9", 5353, 53, nil))
	raw, err := BuildICMPError(ICMPError{
		Src:   netip.MustParseAddr("2001:db8::9"),
		Dst:   netip.MustParseAddr("2001:db8::5"),
		Type:  ICMPv6TypeUnreach,
		Code:  4,
		Quote: orig.Raw[:QuoteLength(orig)],
	})
	require.NoError(t, err)

	p := mustParse(t, raw)
	require.NotNil(t, p.Inner)
	assert.True(t, p.ICMP.V6)
	assert.Equal(t, netip.MustParseAddr("2001:db8::9"), p.Inner.Dst())
}
