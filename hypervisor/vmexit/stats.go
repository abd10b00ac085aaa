package vmexit

import (
	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/set-io/vtx/hypervisor/vcpu"
	"github.com/set-io/vtx/hypervisor/vmx"
)

// Stats counts exits by reason before passing them on. The counters are
// shared by every processor.
type Stats struct {
	interposer
	counts [vmx.NumExitReasons]atomicbitops.Uint64
	other  atomicbitops.Uint64
}

func NewStats(next vcpu.Handler) *Stats {
	s := &Stats{}
	s.interposer = interposer{Handler: next, hook: s.count}
	return s
}

func (s *Stats) count(vp *vcpu.VCPU) {
	if r := vp.ExitReason(); int(r) < len(s.counts) {
		s.counts[r].Add(1)
		return
	}
	s.other.Add(1)
}

// Snapshot returns the non-zero counters. Exit reasons outside the known
// range are reported under "unknown".
func (s *Stats) Snapshot() map[string]uint64 {
	m := make(map[string]uint64)
	for i := range s.counts {
		if n := s.counts[i].Load(); n > 0 {
			m[vmx.ExitReason(i).String()] = n
		}
	}
	if n := s.other.Load(); n > 0 {
		m["unknown"] = n
	}
	return m
}

// Count returns the number of exits seen for r.
func (s *Stats) Count(r vmx.ExitReason) uint64 {
	if int(r) >= len(s.counts) {
		return 0
	}
	return s.counts[r].Load()
}

// Total returns the number of exits seen.
func (s *Stats) Total() uint64 {
	n := s.other.Load()
	for i := range s.counts {
		n += s.counts[i].Load()
	}
	return n
}

func (s *Stats) Reset() {
	for i := range s.counts {
		s.counts[i].Store(0)
	}
	s.other.Store(0)
}
