package pf

// testStateUDP and testStateOther track connectionless flows: each side
// moves from no traffic to single to multiple packets seen.
func (e *Engine) testStateUDP(pd *pdesc) (*State, Verdict, Reason) {
	return e.testStatePeers(pd, TimeoutUDPSingle, TimeoutUDPMultiple, true)
}

func (e *Engine) testStateOther(pd *pdesc) (*State, Verdict, Reason) {
	return e.testStatePeers(pd, TimeoutOtherSingle, TimeoutOtherMultiple, false)
}

func (e *Engine) testStatePeers(pd *pdesc, single, multiple TimeoutClass, withPort bool) (*State, Verdict, Reason) {
	key := pd.stateKey()
	s := e.lookupState(pd, &key)
	if s == nil {
		return nil, VerdictDrop, ReasonMatch
	}
	src, dst := s.peers(pd.dir)

	if src.State < PeerSingle {
		src.State = PeerSingle
	}
	if dst.State == PeerSingle {
		dst.State = PeerMultiple
	}

	s.Expire = e.clock.Now()
	if src.State == PeerMultiple && dst.State == PeerMultiple {
		s.Timeout = multiple
	} else {
		s.Timeout = single
	}

	pd.translateByState(s.key, withPort)
	return s, VerdictPass, ReasonMatch
}
