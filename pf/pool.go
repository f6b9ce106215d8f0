package pf

import (
	"encoding/binary"
	"net/netip"
)

// poolHash is the source-hash mix: Bob Jenkins' 96 bit mix over the
// address words and the pool key. IPv4 produces 4 bytes, IPv6 16.
func poolHash(addr netip.Addr, key *[4]uint32) []byte {
	a, b, c := uint32(0x9e3779b9), uint32(0x9e3779b9), key[0]
	mix := func() {
		a -= b
		a -= c
		a ^= c >> 13
		b -= c
		b -= a
		b ^= a << 8
		c -= a
		c -= b
		c ^= b >> 13
		a -= b
		a -= c
		a ^= c >> 12
		b -= c
		b -= a
		b ^= a << 16
		c -= a
		c -= b
		c ^= b >> 5
		a -= b
		a -= c
		a ^= c >> 3
		b -= c
		b -= a
		b ^= a << 10
		c -= a
		c -= b
		c ^= b >> 15
	}

	if addr.Is4() {
		in := addr.As4()
		a += binary.BigEndian.Uint32(in[:])
		b += key[1]
		mix()
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, c+key[2])
		return out
	}

	in := addr.As16()
	w := func(i int) uint32 { return binary.BigEndian.Uint32(in[i*4:]) }
	out := make([]byte, 16)
	a += w(0)
	b += w(2)
	mix()
	binary.BigEndian.PutUint32(out[0:], c)
	a += w(1)
	b += w(3)
	c += key[1]
	mix()
	binary.BigEndian.PutUint32(out[4:], c)
	a += w(2)
	b += w(1)
	c += key[2]
	mix()
	binary.BigEndian.PutUint32(out[8:], c)
	a += w(3)
	b += w(0)
	c += key[3]
	mix()
	binary.BigEndian.PutUint32(out[12:], c)
	return out
}

func (e *Engine) randomAddr(v4 bool) netip.Addr {
	if v4 {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], e.rand.Uint32())
		return netip.AddrFrom4(b)
	}
	var b [16]byte
	for i := 0; i < 16; i += 4 {
		binary.BigEndian.PutUint32(b[i:], e.rand.Uint32())
	}
	return netip.AddrFrom16(b)
}

// mapAddr picks the translated address for saddr from r's pool. initAddr,
// when non-nil, records the first address handed out so callers walking
// the pool can tell when it has wrapped. *sn is the sticky source node, if
// any; its remembered address wins and is updated with the choice.
func (e *Engine) mapAddr(af uint8, r *Rule, saddr netip.Addr, initAddr *netip.Addr, sn **SourceNode) (netip.Addr, bool) {
	pool := &r.Pool
	v4 := af == 4

	if *sn == nil && pool.Sticky && pool.Type != PoolNone {
		*sn = e.srcNodes.find(r, saddr)
		if *sn != nil && !addrZero((*sn).RAddr) {
			e.diagf("map_addr: sticky %s -> %s", saddr, (*sn).RAddr)
			return (*sn).RAddr, true
		}
	}

	cur := pool.current()
	if cur == nil {
		return netip.Addr{}, false
	}
	var raddr netip.Addr
	var bits int
	switch cur.Type {
	case AddrTable:
		if pool.Type != PoolRoundRobin {
			return netip.Addr{}, false
		}
	case AddrDynIf:
		if pool.Type != PoolRoundRobin {
			var ok bool
			if raddr, bits, ok = cur.block(v4); !ok {
				return netip.Addr{}, false
			}
		}
	case AddrMask:
		var ok bool
		if raddr, bits, ok = cur.block(v4); !ok {
			return netip.Addr{}, false
		}
	default:
		return netip.Addr{}, false
	}

	var naddr netip.Addr
	switch pool.Type {
	case PoolNone:
		naddr = raddr
	case PoolBitmask:
		naddr = poolMask(raddr, bits, saddr.AsSlice())
	case PoolRandom:
		if initAddr != nil && addrZero(*initAddr) {
			pool.counter = e.randomAddr(v4)
			naddr = poolMask(raddr, bits, pool.counter.AsSlice())
			*initAddr = naddr
		} else {
			if pool.counter.Is4() != v4 || !pool.counter.IsValid() {
				pool.counter = zeroAddr(v4)
			}
			pool.counter = addrInc(pool.counter)
			naddr = poolMask(raddr, bits, pool.counter.AsSlice())
		}
	case PoolSrcHash:
		hash := poolHash(saddr, &pool.Key)
		if n := len(pool.Addrs); n > 1 {
			// multi-entry pools pick the entry from the hash as well
			entry := &pool.Addrs[binary.BigEndian.Uint32(hash)%uint32(n)]
			var ok bool
			if raddr, bits, ok = entry.block(v4); !ok {
				return netip.Addr{}, false
			}
		}
		naddr = poolMask(raddr, bits, hash)
	case PoolRoundRobin:
		var ok bool
		if naddr, ok = e.roundRobin(pool, v4, raddr, bits); !ok {
			return netip.Addr{}, false
		}
		if initAddr != nil && addrZero(*initAddr) {
			*initAddr = naddr
		}
	}
	if *sn != nil {
		(*sn).RAddr = naddr
	}
	return naddr, true
}

// roundRobin returns the pool counter and advances it, moving on to the
// next entry when the counter leaves the current one.
func (e *Engine) roundRobin(pool *Pool, v4 bool, raddr netip.Addr, bits int) (netip.Addr, bool) {
	start := pool.cur
	cur := pool.current()
	dynamic := func(a *AddrWrap) bool { return a.Type == AddrTable || a.Type == AddrDynIf }

	found := false
	if dynamic(cur) {
		if cur.table != nil {
			_, found = cur.table.poolGet(&pool.tblidx, &pool.counter, v4)
		}
	} else {
		found = inBlock(raddr, bits, pool.counter)
	}
	for !found {
		pool.cur = (pool.cur + 1) % len(pool.Addrs)
		cur = pool.current()
		if dynamic(cur) {
			pool.tblidx = -1
			if cur.table != nil {
				_, found = cur.table.poolGet(&pool.tblidx, &pool.counter, v4)
			}
		} else if a, _, ok := cur.block(v4); ok {
			pool.counter = a
			found = true
		}
		if !found && pool.cur == start {
			return netip.Addr{}, false
		}
	}
	naddr := pool.counter
	pool.counter = addrInc(pool.counter)
	return naddr, true
}

// getSport chooses the translated source address and port for an
// outbound NAT. The port is searched in [low, high] starting at a random
// point, skipping ports already used towards daddr:dport. *nport holds
// the original port on entry and the chosen one on success.
func (e *Engine) getSport(af, proto uint8, r *Rule, saddr, daddr netip.Addr, dport uint16,
	nport *uint16, low, high uint16, sn **SourceNode) (netip.Addr, bool) {
	var initAddr netip.Addr
	naddr, ok := e.mapAddr(af, r, saddr, &initAddr, sn)
	if !ok {
		return netip.Addr{}, false
	}
	if proto == protoICMP || proto == protoICMPv6 {
		low, high = 1, 65535
	}

	for {
		key := StateKey{Family: af, Proto: proto}
		key.EXT = Endpoint{Addr: daddr, Port: dport}
		key.GWY.Addr = naddr
		if proto == protoICMP || proto == protoICMPv6 {
			key.EXT.Port = 0
		}
		free := func(port uint16) bool {
			key.GWY.Port = port
			return e.states.findAny(&key, sideExtGwy) == nil
		}

		switch {
		case proto != protoTCP && proto != protoUDP && proto != protoICMP && proto != protoICMPv6:
			if free(dport) {
				return naddr, true
			}
		case low == 0 && high == 0:
			if free(*nport) {
				return naddr, true
			}
		case low == high:
			if free(low) {
				*nport = low
				return naddr, true
			}
		default:
			lo, hi := int(low), int(high)
			if lo > hi {
				lo, hi = hi, lo
			}
			cut := int(e.rand.Uint32()%uint32(1+hi-lo)) + lo
			for p := cut; p <= hi; p++ {
				if free(uint16(p)) {
					*nport = uint16(p)
					return naddr, true
				}
			}
			for p := cut - 1; p >= lo; p-- {
				if free(uint16(p)) {
					*nport = uint16(p)
					return naddr, true
				}
			}
		}

		switch r.Pool.Type {
		case PoolRandom, PoolRoundRobin:
			if naddr, ok = e.mapAddr(af, r, saddr, &initAddr, sn); !ok {
				return netip.Addr{}, false
			}
		default:
			return netip.Addr{}, false
		}
		if naddr == initAddr {
			return netip.Addr{}, false
		}
	}
}
