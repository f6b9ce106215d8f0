package packet

import "encoding/binary"

// TCP option kinds
const (
	TCPOptEOL       = 0
	TCPOptNOP       = 1
	TCPOptMSS       = 2
	TCPOptWScale    = 3
	TCPOptSACKPerm  = 4
	TCPOptSACK      = 5
	TCPOptTimestamp = 8
)

// MaxWindowScale is the largest shift RFC 7323 allows.
const MaxWindowScale = 14

// SACKBlock is one SACK edge pair. Offset is the position of Left inside
// the TCP options; Right follows at Offset+4.
type SACKBlock struct {
	Offset int
	Left   uint32
	Right  uint32
}

// walkOptions calls fn for every well-formed option until fn returns false.
func (h *TCPHeader) walkOptions(fn func(kind byte, off int, data []byte) bool) {
	opts := h.Options
	for i := 0; i < len(opts); {
		kind := opts[i]
		switch kind {
		case TCPOptEOL:
			return
		case TCPOptNOP:
			i++
			continue
		}
		if i+1 >= len(opts) {
			return
		}
		olen := int(opts[i+1])
		if olen < 2 || i+olen > len(opts) {
			return
		}
		if !fn(kind, i, opts[i+2:i+olen]) {
			return
		}
		i += olen
	}
}

// WindowScale returns the window scale shift carried by a SYN, capped at
// MaxWindowScale. ok is false when the option is absent.
func (h *TCPHeader) WindowScale() (shift uint8, ok bool) {
	if !h.HasFlag(TCPFlagSYN) {
		return 0, false
	}
	h.walkOptions(func(kind byte, _ int, data []byte) bool {
		if kind == TCPOptWScale && len(data) == 1 {
			shift, ok = data[0], true
			if shift > MaxWindowScale {
				shift = MaxWindowScale
			}
			return false
		}
		return true
	})
	return shift, ok
}

// MSS returns the maximum segment size option, or 0.
func (h *TCPHeader) MSS() uint16 {
	var mss uint16
	h.walkOptions(func(kind byte, _ int, data []byte) bool {
		if kind == TCPOptMSS && len(data) == 2 {
			mss = binary.BigEndian.Uint16(data)
			return false
		}
		return true
	})
	return mss
}

// SACKBlocks returns every SACK edge pair in the options.
func (h *TCPHeader) SACKBlocks() []SACKBlock {
	var blocks []SACKBlock
	h.walkOptions(func(kind byte, off int, data []byte) bool {
		if kind != TCPOptSACK {
			return true
		}
		for i := 0; i+8 <= len(data); i += 8 {
			blocks = append(blocks, SACKBlock{
				Offset: off + 2 + i,
				Left:   binary.BigEndian.Uint32(data[i : i+4]),
				Right:  binary.BigEndian.Uint32(data[i+4 : i+8]),
			})
		}
		return true
	})
	return blocks
}
