// Package packet provides packet parsing and in-place rewriting.
package packet

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

var (
	ErrPacketTooShort   = errors.New("packet too short")
	ErrInvalidIPVersion = errors.New("invalid IP version")
	ErrBadHeaderLength  = errors.New("bad header length")
	ErrBadFragment      = errors.New("fragment offset inconsistent with length")
)

// Protocol numbers
const (
	ProtocolICMP   uint8 = 1
	ProtocolTCP    uint8 = 6
	ProtocolUDP    uint8 = 17
	ProtocolICMPv6 uint8 = 58
)

// Address families, numbered after the IP version.
const (
	FamilyInet  uint8 = 4
	FamilyInet6 uint8 = 6
)

// TCP flags
const (
	TCPFlagFIN = 0x01
	TCPFlagSYN = 0x02
	TCPFlagRST = 0x04
	TCPFlagPSH = 0x08
	TCPFlagACK = 0x10
	TCPFlagURG = 0x20
	TCPFlagECE = 0x40
	TCPFlagCWR = 0x80
)

const (
	ipv4MinHeader = 20
	ipv6Header    = 40
	ipMaxPacket   = 65535

	ipv4FlagMF    = 0x2000
	ipv4OffsetMsk = 0x1fff
)

// IPv4Header represents an IPv4 header.
type IPv4Header struct {
	Version        uint8
	IHL            uint8 // in 32-bit words
	TOS            uint8
	TotalLength    uint16
	Identification uint16
	Flags          uint8
	FragmentOffset uint16 // in 8-byte units
	TTL            uint8
	Protocol       uint8
	Checksum       uint16
	SrcIP          netip.Addr
	DstIP          netip.Addr
	Options        []byte
}

// HeaderLength returns the header length in bytes.
func (h *IPv4Header) HeaderLength() int {
	return int(h.IHL) * 4
}

// MoreFragments reports whether the MF bit is set.
func (h *IPv4Header) MoreFragments() bool {
	return h.Flags&0x1 != 0
}

// IPv6Header represents the fixed IPv6 header. Extension headers are not walked.
type IPv6Header struct {
	TrafficClass  uint8
	FlowLabel     uint32
	PayloadLength uint16
	NextHeader    uint8
	HopLimit      uint8
	SrcIP         netip.Addr
	DstIP         netip.Addr
}

// TCPHeader represents a TCP header.
type TCPHeader struct {
	SrcPort    uint16
	DstPort    uint16
	SeqNum     uint32
	AckNum     uint32
	DataOffset uint8 // in 32-bit words
	Flags      uint8
	Window     uint16
	Checksum   uint16
	UrgentPtr  uint16
	Options    []byte
}

// HeaderLength returns the header length in bytes.
func (h *TCPHeader) HeaderLength() int {
	return int(h.DataOffset) * 4
}

// HasFlag checks if a specific flag is set.
func (h *TCPHeader) HasFlag(flag uint8) bool {
	return h.Flags&flag != 0
}

// IsSYN returns true if SYN flag is set (and ACK is not).
func (h *TCPHeader) IsSYN() bool {
	return h.HasFlag(TCPFlagSYN) && !h.HasFlag(TCPFlagACK)
}

// IsSYNACK returns true if both SYN and ACK flags are set.
func (h *TCPHeader) IsSYNACK() bool {
	return h.HasFlag(TCPFlagSYN) && h.HasFlag(TCPFlagACK)
}

// IsFIN returns true if FIN flag is set.
func (h *TCPHeader) IsFIN() bool {
	return h.HasFlag(TCPFlagFIN)
}

// IsRST returns true if RST flag is set.
func (h *TCPHeader) IsRST() bool {
	return h.HasFlag(TCPFlagRST)
}

// UDPHeader represents a UDP header.
type UDPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

// ICMP types
const (
	ICMPTypeEchoReply      uint8 = 0
	ICMPTypeUnreach        uint8 = 3
	ICMPTypeSourceQuench   uint8 = 4
	ICMPTypeRedirect       uint8 = 5
	ICMPTypeEchoRequest    uint8 = 8
	ICMPTypeTimeExceeded   uint8 = 11
	ICMPTypeParamProblem   uint8 = 12
	ICMPTypeTimestamp      uint8 = 13
	ICMPTypeTimestampReply uint8 = 14
	ICMPTypeInfoRequest    uint8 = 15
	ICMPTypeInfoReply      uint8 = 16
	ICMPTypeMaskRequest    uint8 = 17
	ICMPTypeMaskReply      uint8 = 18
)

// ICMPv6 types used by the state tracker.
const (
	ICMPv6TypeUnreach      uint8 = 1
	ICMPv6TypePacketTooBig uint8 = 2
	ICMPv6TypeTimeExceeded uint8 = 3
	ICMPv6TypeParamProblem uint8 = 4
	ICMPv6TypeEchoRequest  uint8 = 128
	ICMPv6TypeEchoReply    uint8 = 129
)

// ICMPHeader represents an ICMP or ICMPv6 header.
type ICMPHeader struct {
	Type       uint8
	Code       uint8
	Checksum   uint16
	Identifier uint16 // query/reply messages only
	Sequence   uint16
	V6         bool
}

// IsEchoRequest returns true if this is an Echo Request.
func (h *ICMPHeader) IsEchoRequest() bool {
	if h.V6 {
		return h.Type == ICMPv6TypeEchoRequest
	}
	return h.Type == ICMPTypeEchoRequest
}

// IsEchoReply returns true if this is an Echo Reply.
func (h *ICMPHeader) IsEchoReply() bool {
	if h.V6 {
		return h.Type == ICMPv6TypeEchoReply
	}
	return h.Type == ICMPTypeEchoReply
}

// IsError reports whether the message quotes an offending datagram.
func (h *ICMPHeader) IsError() bool {
	if h.V6 {
		return h.Type < 128
	}
	switch h.Type {
	case ICMPTypeUnreach, ICMPTypeSourceQuench, ICMPTypeRedirect,
		ICMPTypeTimeExceeded, ICMPTypeParamProblem:
		return true
	}
	return false
}

// ParsedPacket holds parsed packet information.
type ParsedPacket struct {
	Raw  []byte
	IPv4 *IPv4Header
	IPv6 *IPv6Header
	TCP  *TCPHeader
	UDP  *UDPHeader
	ICMP *ICMPHeader

	// Inner is the datagram quoted by an ICMP error. Only its IP header and
	// first eight transport bytes are guaranteed to be present.
	Inner *ParsedPacket

	L4Offset      int
	Payload       []byte
	PayloadOffset int

	// base is the offset of this header inside the outermost Raw buffer.
	base int
}

// Parse dispatches on the IP version nibble.
func Parse(data []byte) (*ParsedPacket, error) {
	if len(data) < 1 {
		return nil, ErrPacketTooShort
	}
	switch data[0] >> 4 {
	case 4:
		return ParseIPv4(data)
	case 6:
		return ParseIPv6(data)
	default:
		return nil, ErrInvalidIPVersion
	}
}

// ParseIPv4 parses an IPv4 packet from raw bytes.
func ParseIPv4(data []byte) (*ParsedPacket, error) {
	ip, err := parseIPv4Header(data)
	if err != nil {
		return nil, err
	}
	headerLen := ip.HeaderLength()
	if int(ip.TotalLength) < headerLen || int(ip.TotalLength) > len(data) {
		return nil, ErrPacketTooShort
	}
	data = data[:ip.TotalLength]

	if ip.FragmentOffset != 0 || ip.MoreFragments() {
		fragLen := int(ip.TotalLength) - headerLen
		if int(ip.FragmentOffset)*8+fragLen > ipMaxPacket {
			return nil, ErrBadFragment
		}
		if ip.MoreFragments() && fragLen%8 != 0 {
			return nil, ErrBadFragment
		}
	}

	pkt := &ParsedPacket{Raw: data, IPv4: ip, L4Offset: headerLen}
	if ip.FragmentOffset != 0 {
		// no transport header in a trailing fragment
		pkt.PayloadOffset = headerLen
		pkt.Payload = data[headerLen:]
		return pkt, nil
	}
	if err := pkt.parseTransport(ip.Protocol); err != nil {
		return nil, err
	}
	return pkt, nil
}

func parseIPv4Header(data []byte) (*IPv4Header, error) {
	if len(data) < ipv4MinHeader {
		return nil, ErrPacketTooShort
	}
	version := data[0] >> 4
	if version != 4 {
		return nil, ErrInvalidIPVersion
	}
	ihl := data[0] & 0x0F
	headerLen := int(ihl) * 4
	if headerLen < ipv4MinHeader {
		return nil, ErrBadHeaderLength
	}
	if len(data) < headerLen {
		return nil, ErrPacketTooShort
	}

	off := binary.BigEndian.Uint16(data[6:8])
	ip := &IPv4Header{
		Version:        version,
		IHL:            ihl,
		TOS:            data[1],
		TotalLength:    binary.BigEndian.Uint16(data[2:4]),
		Identification: binary.BigEndian.Uint16(data[4:6]),
		Flags:          uint8(off >> 13),
		FragmentOffset: off & ipv4OffsetMsk,
		TTL:            data[8],
		Protocol:       data[9],
		Checksum:       binary.BigEndian.Uint16(data[10:12]),
		SrcIP:          netip.AddrFrom4([4]byte(data[12:16])),
		DstIP:          netip.AddrFrom4([4]byte(data[16:20])),
	}
	if headerLen > ipv4MinHeader {
		ip.Options = data[ipv4MinHeader:headerLen]
	}
	return ip, nil
}

// ParseIPv6 parses an IPv6 packet whose next header is the transport.
func ParseIPv6(data []byte) (*ParsedPacket, error) {
	ip, err := parseIPv6Header(data)
	if err != nil {
		return nil, err
	}
	total := ipv6Header + int(ip.PayloadLength)
	if total > len(data) {
		return nil, ErrPacketTooShort
	}
	pkt := &ParsedPacket{Raw: data[:total], IPv6: ip, L4Offset: ipv6Header}
	if err := pkt.parseTransport(ip.NextHeader); err != nil {
		return nil, err
	}
	return pkt, nil
}

func parseIPv6Header(data []byte) (*IPv6Header, error) {
	if len(data) < ipv6Header {
		return nil, ErrPacketTooShort
	}
	if data[0]>>4 != 6 {
		return nil, ErrInvalidIPVersion
	}
	vtf := binary.BigEndian.Uint32(data[0:4])
	return &IPv6Header{
		TrafficClass:  uint8(vtf >> 20),
		FlowLabel:     vtf & 0xfffff,
		PayloadLength: binary.BigEndian.Uint16(data[4:6]),
		NextHeader:    data[6],
		HopLimit:      data[7],
		SrcIP:         netip.AddrFrom16([16]byte(data[8:24])),
		DstIP:         netip.AddrFrom16([16]byte(data[24:40])),
	}, nil
}

func (p *ParsedPacket) parseTransport(proto uint8) error {
	data := p.Raw
	l4 := data[p.L4Offset:]
	switch proto {
	case ProtocolTCP:
		tcp, hdrLen, err := parseTCP(l4)
		if err != nil {
			return err
		}
		p.TCP = tcp
		p.PayloadOffset = p.L4Offset + hdrLen

	case ProtocolUDP:
		udp, err := parseUDP(l4)
		if err != nil {
			return err
		}
		p.UDP = udp
		p.PayloadOffset = p.L4Offset + 8

	case ProtocolICMP, ProtocolICMPv6:
		icmp, err := parseICMP(l4)
		if err != nil {
			return err
		}
		icmp.V6 = proto == ProtocolICMPv6
		p.ICMP = icmp
		p.PayloadOffset = p.L4Offset + 8
		if icmp.IsError() {
			inner, err := parseQuoted(data[p.PayloadOffset:])
			if err != nil {
				return err
			}
			inner.base = p.base + p.PayloadOffset
			p.Inner = inner
		}

	default:
		p.PayloadOffset = p.L4Offset
	}
	if p.PayloadOffset < len(data) {
		p.Payload = data[p.PayloadOffset:]
	}
	return nil
}

// parseQuoted parses the datagram carried in an ICMP error. The quote is
// usually truncated, so only the first eight transport bytes are read.
func parseQuoted(data []byte) (*ParsedPacket, error) {
	if len(data) < 1 {
		return nil, ErrPacketTooShort
	}
	q := &ParsedPacket{Raw: data}
	var proto uint8
	switch data[0] >> 4 {
	case 4:
		ip, err := parseIPv4Header(data)
		if err != nil {
			return nil, err
		}
		q.IPv4 = ip
		q.L4Offset = ip.HeaderLength()
		proto = ip.Protocol
		if ip.FragmentOffset != 0 {
			return q, nil
		}
	case 6:
		ip, err := parseIPv6Header(data)
		if err != nil {
			return nil, err
		}
		q.IPv6 = ip
		q.L4Offset = ipv6Header
		proto = ip.NextHeader
	default:
		return nil, ErrInvalidIPVersion
	}

	l4 := data[q.L4Offset:]
	switch proto {
	case ProtocolTCP:
		if len(l4) < 8 {
			return nil, ErrPacketTooShort
		}
		q.TCP = &TCPHeader{
			SrcPort: binary.BigEndian.Uint16(l4[0:2]),
			DstPort: binary.BigEndian.Uint16(l4[2:4]),
			SeqNum:  binary.BigEndian.Uint32(l4[4:8]),
		}
	case ProtocolUDP:
		udp, err := parseUDP(l4)
		if err != nil {
			return nil, err
		}
		q.UDP = udp
	case ProtocolICMP, ProtocolICMPv6:
		icmp, err := parseICMP(l4)
		if err != nil {
			return nil, err
		}
		icmp.V6 = proto == ProtocolICMPv6
		q.ICMP = icmp
	}
	return q, nil
}

func parseTCP(data []byte) (*TCPHeader, int, error) {
	if len(data) < 20 {
		return nil, 0, ErrPacketTooShort
	}

	dataOffset := int(data[12]>>4) * 4
	if dataOffset < 20 {
		return nil, 0, ErrBadHeaderLength
	}
	if dataOffset > len(data) {
		return nil, 0, ErrPacketTooShort
	}

	tcp := &TCPHeader{
		SrcPort:    binary.BigEndian.Uint16(data[0:2]),
		DstPort:    binary.BigEndian.Uint16(data[2:4]),
		SeqNum:     binary.BigEndian.Uint32(data[4:8]),
		AckNum:     binary.BigEndian.Uint32(data[8:12]),
		DataOffset: data[12] >> 4,
		Flags:      data[13],
		Window:     binary.BigEndian.Uint16(data[14:16]),
		Checksum:   binary.BigEndian.Uint16(data[16:18]),
		UrgentPtr:  binary.BigEndian.Uint16(data[18:20]),
	}

	if dataOffset > 20 {
		tcp.Options = data[20:dataOffset]
	}

	return tcp, dataOffset, nil
}

func parseUDP(data []byte) (*UDPHeader, error) {
	if len(data) < 8 {
		return nil, ErrPacketTooShort
	}

	return &UDPHeader{
		SrcPort:  binary.BigEndian.Uint16(data[0:2]),
		DstPort:  binary.BigEndian.Uint16(data[2:4]),
		Length:   binary.BigEndian.Uint16(data[4:6]),
		Checksum: binary.BigEndian.Uint16(data[6:8]),
	}, nil
}

func parseICMP(data []byte) (*ICMPHeader, error) {
	if len(data) < 8 {
		return nil, ErrPacketTooShort
	}

	return &ICMPHeader{
		Type:       data[0],
		Code:       data[1],
		Checksum:   binary.BigEndian.Uint16(data[2:4]),
		Identifier: binary.BigEndian.Uint16(data[4:6]),
		Sequence:   binary.BigEndian.Uint16(data[6:8]),
	}, nil
}

// Family returns FamilyInet or FamilyInet6.
func (p *ParsedPacket) Family() uint8 {
	if p.IPv6 != nil {
		return FamilyInet6
	}
	return FamilyInet
}

// Protocol returns the transport protocol.
func (p *ParsedPacket) Protocol() uint8 {
	if p.IPv6 != nil {
		return p.IPv6.NextHeader
	}
	return p.IPv4.Protocol
}

// Src returns the source address.
func (p *ParsedPacket) Src() netip.Addr {
	if p.IPv6 != nil {
		return p.IPv6.SrcIP
	}
	return p.IPv4.SrcIP
}

// Dst returns the destination address.
func (p *ParsedPacket) Dst() netip.Addr {
	if p.IPv6 != nil {
		return p.IPv6.DstIP
	}
	return p.IPv4.DstIP
}

// TOS returns the IPv4 type of service or the IPv6 traffic class.
func (p *ParsedPacket) TOS() uint8 {
	if p.IPv6 != nil {
		return p.IPv6.TrafficClass
	}
	return p.IPv4.TOS
}

// TotalLength is the datagram length used for byte accounting.
func (p *ParsedPacket) TotalLength() int {
	return len(p.Raw)
}

// IsFragment reports whether the packet is any part of a fragmented datagram.
func (p *ParsedPacket) IsFragment() bool {
	return p.IPv4 != nil && (p.IPv4.FragmentOffset != 0 || p.IPv4.MoreFragments())
}

// FragmentID identifies the datagram a fragment belongs to.
func (p *ParsedPacket) FragmentID() uint16 {
	if p.IPv4 == nil {
		return 0
	}
	return p.IPv4.Identification
}

// SrcPort returns the source port for TCP/UDP packets.
func (p *ParsedPacket) SrcPort() uint16 {
	if p.TCP != nil {
		return p.TCP.SrcPort
	}
	if p.UDP != nil {
		return p.UDP.SrcPort
	}
	return 0
}

// DstPort returns the destination port for TCP/UDP packets.
func (p *ParsedPacket) DstPort() uint16 {
	if p.TCP != nil {
		return p.TCP.DstPort
	}
	if p.UDP != nil {
		return p.UDP.DstPort
	}
	return 0
}

// PayloadLength is the number of transport payload bytes.
func (p *ParsedPacket) PayloadLength() int {
	if p.PayloadOffset >= len(p.Raw) {
		return 0
	}
	return len(p.Raw) - p.PayloadOffset
}
