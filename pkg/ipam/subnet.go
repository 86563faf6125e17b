// Package ipam finds free subnets inside the private address plan. Existing
// subnets stream through two lazy stages: a pair window over adjacent
// subnets, then a candidate emitter that fills the gaps between them.
package ipam

import (
	"net/netip"
	"sort"

	"github.com/netreg-cloud/netreg/pkg/addr"
)

// MaxCandidates caps the candidates one pass emits.
const MaxCandidates = 16

// Pair is a sliding window of two adjacent subnets from the ordered input.
// A stream that only ever saw one subnet closes with a singleton window.
type Pair struct {
	First  netip.Prefix
	Second netip.Prefix
	Single bool
}

// PairStream turns an ordered subnet sequence into pair windows.
type PairStream struct {
	src  func() (netip.Prefix, bool)
	prev netip.Prefix
	seen bool
	done bool
}

// NewPairStream wraps a pull-based source of ascending subnets.
func NewPairStream(src func() (netip.Prefix, bool)) *PairStream {
	return &PairStream{src: src}
}

// Next returns the next pair window. ok is false once the source and the
// trailing singleton are exhausted.
func (s *PairStream) Next() (Pair, bool) {
	for {
		if s.done {
			return Pair{}, false
		}
		cur, ok := s.src()
		if !ok {
			s.done = true
			if s.seen {
				return Pair{First: s.prev, Single: true}, true
			}
			return Pair{}, false
		}
		if !s.seen {
			s.prev, s.seen = cur, true
			continue
		}
		p := Pair{First: s.prev, Second: cur}
		s.prev = cur
		return p, true
	}
}

// availPhase orders the emitter's candidate sources.
type availPhase int

const (
	phaseGaps availPhase = iota
	phaseBelow
	phaseAbove
	phaseEmpty
	phaseDone
)

// AvailableStream emits free subnets of a requested prefix length: first the
// gaps between existing subnets, then the space below the smallest and above
// the largest, all bounded by the budget.
type AvailableStream struct {
	pairs  *PairStream
	family int
	bits   int
	budget int

	phase    availPhase
	cursor   netip.Prefix
	stop     netip.Prefix
	hasStop  bool
	smallest netip.Prefix
	largest  netip.Prefix
	seen     bool
	scanning bool
}

// NewAvailableStream builds the emitter. family is 4 or 6; budget above
// MaxCandidates is clamped.
func NewAvailableStream(pairs *PairStream, family, bits, budget int) *AvailableStream {
	if budget <= 0 || budget > MaxCandidates {
		budget = MaxCandidates
	}
	return &AvailableStream{pairs: pairs, family: family, bits: bits, budget: budget}
}

// Next returns the next free subnet. ok is false once the budget or the
// plan is exhausted.
func (s *AvailableStream) Next() (netip.Prefix, bool) {
	for s.budget > 0 {
		switch s.phase {
		case phaseGaps:
			if s.scanning {
				if c, ok := s.emit(); ok {
					return c, ok
				}
				s.scanning = false
				continue
			}
			pair, ok := s.pairs.Next()
			if !ok {
				s.closeInput()
				continue
			}
			s.note(pair)
			if pair.Single {
				continue
			}
			if c, ok := addr.PlanNextSubnet(pair.First, s.bits); ok {
				s.cursor, s.stop, s.hasStop = c, pair.Second, true
				s.scanning = true
			}
		case phaseBelow:
			if s.scanning {
				if c, ok := s.emit(); ok {
					return c, ok
				}
				s.scanning = false
			}
			s.phase = phaseAbove
			if c, ok := addr.PlanNextSubnet(s.largest, s.bits); ok {
				s.cursor, s.hasStop = c, false
				s.scanning = true
			}
		case phaseAbove:
			if s.scanning {
				if c, ok := s.emit(); ok {
					return c, ok
				}
			}
			s.phase = phaseDone
		case phaseEmpty:
			if s.scanning {
				if c, ok := s.emit(); ok {
					return c, ok
				}
			}
			s.phase = phaseDone
		default:
			return netip.Prefix{}, false
		}
	}
	return netip.Prefix{}, false
}

// closeInput switches to the edge phases once the pair input is drained.
func (s *AvailableStream) closeInput() {
	if !s.seen {
		s.phase = phaseEmpty
		s.cursor = addr.PlanFirstSubnet(s.family, s.bits)
		s.hasStop = false
		s.scanning = true
		return
	}
	s.phase = phaseBelow
	s.cursor = addr.PlanFirstSubnet(s.family, s.bits)
	s.stop, s.hasStop = s.smallest, true
	s.scanning = true
}

// note tracks the extremes of the input for the edge phases.
func (s *AvailableStream) note(p Pair) {
	if !s.seen {
		s.smallest, s.largest, s.seen = p.First, p.First, true
	}
	if !p.Single && addr.Compare(p.Second.Addr(), s.largest.Addr()) > 0 {
		s.largest = p.Second
	}
}

// emit yields the cursor if it still fits before the stop bound, then
// advances. ok false ends the current scan.
func (s *AvailableStream) emit() (netip.Prefix, bool) {
	if !s.cursor.IsValid() {
		return netip.Prefix{}, false
	}
	if s.hasStop {
		if addr.Compare(addr.BroadcastAddr(s.cursor), s.stop.Addr()) >= 0 || s.cursor.Overlaps(s.stop) {
			return netip.Prefix{}, false
		}
	}
	out := s.cursor
	s.budget--
	if next, ok := addr.PlanNextSubnet(out, s.bits); ok {
		s.cursor = next
	} else {
		s.cursor = netip.Prefix{}
	}
	return out, true
}

// AvailableSubnets runs both stages over a snapshot of existing subnets and
// collects up to limit candidates of the requested prefix length.
func AvailableSubnets(existing []netip.Prefix, family, bits, limit int) []netip.Prefix {
	sorted := make([]netip.Prefix, 0, len(existing))
	for _, p := range existing {
		if family == 6 && p.Addr().Is6() || family == 4 && p.Addr().Is4() {
			sorted = append(sorted, p)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return addr.Compare(sorted[i].Addr(), sorted[j].Addr()) < 0
	})

	i := 0
	pairs := NewPairStream(func() (netip.Prefix, bool) {
		if i >= len(sorted) {
			return netip.Prefix{}, false
		}
		p := sorted[i]
		i++
		return p, true
	})

	avail := NewAvailableStream(pairs, family, bits, limit)
	var out []netip.Prefix
	for {
		c, ok := avail.Next()
		if !ok {
			return out
		}
		out = append(out, c)
	}
}
