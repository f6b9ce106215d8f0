package pf

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// PurgeStats counts what one purger tick reclaimed.
type PurgeStats struct {
	Checked  int
	States   int
	Frags    int
	SrcNodes int
}

// purgeStates walks up to maxcheck states from the cursor, wrapping at
// the end of the list. Unlinked states are freed; expired ones are
// unlinked and freed.
func (e *Engine) purgeStates(maxcheck int) (checked, freed int) {
	if maxcheck <= 0 {
		return 0, 0
	}
	batch := make([]*State, 0, min(maxcheck, e.states.Len()))
	cursor := e.purgeCursor
	e.states.ascendFrom(cursor, func(s *State) bool {
		batch = append(batch, s)
		return len(batch) < maxcheck
	})
	if len(batch) < maxcheck && cursor != 0 {
		e.states.ascendFrom(0, func(s *State) bool {
			if s.seq > cursor {
				return false
			}
			batch = append(batch, s)
			return len(batch) < maxcheck
		})
	}
	if len(batch) == 0 {
		e.purgeCursor = 0
		return 0, 0
	}
	e.purgeCursor = batch[len(batch)-1].seq

	now := e.clock.Now()
	for _, s := range batch {
		if s.Timeout == TimeoutUnlinked {
			e.freeState(s)
			freed++
			continue
		}
		if s.key == nil {
			panic("pf: linked state without a key")
		}
		if e.expires(s) <= now {
			e.unlinkState(s)
			e.freeState(s)
			freed++
		}
	}
	return len(batch), freed
}

// Purger reclaims expired states, fragments and source nodes.
type Purger struct {
	e     *Engine
	log   logrus.FieldLogger
	ticks uint64
}

// NewPurger returns a purger for e. Lines carry component=purge.
func NewPurger(e *Engine, logger logrus.FieldLogger) *Purger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Purger{e: e, log: logger.WithField("component", "purge")}
}

// Tick runs one purge step. The share of the state list checked grows
// with the table so that everything is visited once per interval; every
// interval ticks fragments and source nodes are purged too.
func (p *Purger) Tick() PurgeStats {
	e := p.e
	e.mu.Lock()
	defer e.mu.Unlock()

	interval := int(e.rules.Default.Timeouts[TimeoutInterval])
	if interval <= 0 {
		interval = int(DefaultTimeouts()[TimeoutInterval])
	}
	var st PurgeStats
	st.Checked, st.States = e.purgeStates(1 + e.states.Len()/interval)

	p.ticks++
	if p.ticks >= uint64(interval) {
		p.ticks = 0
		now := e.clock.Now()
		st.Frags = e.frags.purge(now, int64(e.rules.Default.Timeouts[TimeoutFrag]))
		st.SrcNodes = e.purgeSrcNodes()
	}
	return st
}

// Run ticks once a second until ctx is done.
func (p *Purger) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	p.log.Info("started")
	for {
		select {
		case <-ctx.Done():
			p.log.Info("stopped")
			return nil
		case <-ticker.C:
			st := p.Tick()
			if st.States > 0 || st.Frags > 0 || st.SrcNodes > 0 {
				p.log.WithFields(logrus.Fields{
					"checked":   st.Checked,
					"states":    st.States,
					"frags":     st.Frags,
					"src_nodes": st.SrcNodes,
				}).Debug("purged")
			}
		}
	}
}

// PurgeAll frees every expired or unlinked state, fragment and source
// node at once.
func (e *Engine) PurgeAll() PurgeStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	var st PurgeStats
	e.purgeCursor = 0
	st.Checked, st.States = e.purgeStates(e.states.Len())
	st.Frags = e.frags.purge(e.clock.Now(), int64(e.rules.Default.Timeouts[TimeoutFrag]))
	st.SrcNodes = e.purgeSrcNodes()
	return st
}
