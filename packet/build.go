package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

const defaultTTL = 64

// Segment describes a TCP segment the filter originates itself: resets
// and the SYN proxy handshake.
type Segment struct {
	Src, Dst         netip.Addr
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            uint8
	Window           uint16
	MSS              uint16
	TTL              uint8
	Tag              string
}

func (s Segment) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d flags=%#02x seq=%d ack=%d win=%d",
		s.Src, s.SrcPort, s.Dst, s.DstPort, s.Flags, s.Seq, s.Ack, s.Window)
}

// BuildTCP serializes seg into an IP datagram with valid checksums.
func BuildTCP(seg Segment) ([]byte, error) {
	if !seg.Src.IsValid() || !seg.Dst.IsValid() || seg.Src.Is4() != seg.Dst.Is4() {
		return nil, ErrFamilyMismatch
	}
	ttl := seg.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}

	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(seg.SrcPort),
		DstPort: layers.TCPPort(seg.DstPort),
		Seq:     seg.Seq,
		Ack:     seg.Ack,
		Window:  seg.Window,
		FIN:     seg.Flags&TCPFlagFIN != 0,
		SYN:     seg.Flags&TCPFlagSYN != 0,
		RST:     seg.Flags&TCPFlagRST != 0,
		PSH:     seg.Flags&TCPFlagPSH != 0,
		ACK:     seg.Flags&TCPFlagACK != 0,
		URG:     seg.Flags&TCPFlagURG != 0,
		ECE:     seg.Flags&TCPFlagECE != 0,
		CWR:     seg.Flags&TCPFlagCWR != 0,
	}
	if seg.MSS != 0 {
		mss := make([]byte, 2)
		binary.BigEndian.PutUint16(mss, seg.MSS)
		tcp.Options = append(tcp.Options, layers.TCPOption{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   mss,
		})
	}

	var ip gopacket.SerializableLayer
	if seg.Src.Is4() {
		v4 := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      ttl,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    seg.Src.AsSlice(),
			DstIP:    seg.Dst.AsSlice(),
		}
		if err := tcp.SetNetworkLayerForChecksum(v4); err != nil {
			return nil, err
		}
		ip = v4
	} else {
		v6 := &layers.IPv6{
			Version:    6,
			HopLimit:   ttl,
			NextHeader: layers.IPProtocolTCP,
			SrcIP:      seg.Src.AsSlice(),
			DstIP:      seg.Dst.AsSlice(),
		}
		if err := tcp.SetNetworkLayerForChecksum(v6); err != nil {
			return nil, err
		}
		ip = v6
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp); err != nil {
		return nil, fmt.Errorf("serialize segment: %w", err)
	}
	return buf.Bytes(), nil
}

// ICMPError describes an ICMP error the filter returns for a blocked
// datagram. Quote is the start of the offending datagram.
type ICMPError struct {
	Src, Dst   netip.Addr
	Type, Code uint8
	Quote      []byte
}

func (m ICMPError) String() string {
	return fmt.Sprintf("%s -> %s icmp type=%d code=%d quote=%d", m.Src, m.Dst, m.Type, m.Code, len(m.Quote))
}

// QuoteLength is how much of an offending datagram an ICMP error carries:
// the IP header and the first eight transport bytes.
func QuoteLength(p *ParsedPacket) int {
	n := p.L4Offset + 8
	if n > len(p.Raw) {
		n = len(p.Raw)
	}
	return n
}

// BuildICMPError serializes msg into an ICMP or ICMPv6 error datagram.
func BuildICMPError(msg ICMPError) ([]byte, error) {
	if !msg.Src.IsValid() || !msg.Dst.IsValid() || msg.Src.Is4() != msg.Dst.Is4() {
		return nil, ErrFamilyMismatch
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	var err error
	if msg.Src.Is4() {
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      defaultTTL,
			Protocol: layers.IPProtocolICMPv4,
			SrcIP:    msg.Src.AsSlice(),
			DstIP:    msg.Dst.AsSlice(),
		}
		icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(msg.Type, msg.Code)}
		err = gopacket.SerializeLayers(buf, opts, ip, icmp, gopacket.Payload(msg.Quote))
	} else {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   defaultTTL,
			NextHeader: layers.IPProtocolICMPv6,
			SrcIP:      msg.Src.AsSlice(),
			DstIP:      msg.Dst.AsSlice(),
		}
		icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(msg.Type, msg.Code)}
		if err := icmp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		// four unused bytes precede the quote
		body := append(make([]byte, 4), msg.Quote...)
		err = gopacket.SerializeLayers(buf, opts, ip, icmp, gopacket.Payload(body))
	}
	if err != nil {
		return nil, fmt.Errorf("serialize icmp error: %w", err)
	}
	return buf.Bytes(), nil
}
