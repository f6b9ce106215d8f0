package pf

import "github.com/igjeong/hyper-pf/packet"

// Sender emits packets the filter originates: resets, SYN proxy segments
// and ICMP errors for blocked datagrams.
type Sender interface {
	SendTCP(seg packet.Segment)
	SendICMP(msg packet.ICMPError)
}

type discardSender struct{}

func (discardSender) SendTCP(packet.Segment)    {}
func (discardSender) SendICMP(packet.ICMPError) {}

// Fingerprinter matches the passive OS fingerprint of a TCP SYN against a
// rule's os clause.
type Fingerprinter interface {
	Match(p *packet.ParsedPacket, os string) bool
}
