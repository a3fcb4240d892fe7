// Package ports implements the monotonic port allocator described in
// spec.md §4.3: port quadruples are assigned from a configured base and
// advance monotonically, with freed tuples recycled through a LIFO vacancy
// list before the sequence advances further.
package ports

import "sort"

// Quad is one reserved port tuple (spec.md §3 Ports entity).
type Quad struct {
	PeerPort       uint16
	UserPort       uint16
	GPTCPPortStart uint16
	GPUDPPortStart uint16
}

// Allocator hands out Quads and recycles them on release. It is not
// goroutine-safe; the lifecycle controller is the only caller and serializes
// access via the single worker loop (spec.md §5).
type Allocator struct {
	initPeer  uint16
	initUser  uint16
	initGPTCP uint16
	initGPUDP uint16

	lastAssigned Quad
	hasAssigned  bool

	vacancies []Quad
}

// New constructs an Allocator from the configured base ports and the
// catalog's current peer-port assignments (used to rebuild the vacancy list
// on restart). assigned is every peer_port currently held by a live instance;
// maxQuad is the highest port tuple seen in the catalog (zero value if the
// catalog is empty.
func New(initPeer, initUser, initGPTCP, initGPUDP uint16, assigned []uint16, maxQuad Quad) *Allocator {
	a := &Allocator{
		initPeer:  initPeer,
		initUser:  initUser,
		initGPTCP: initGPTCP,
		initGPUDP: initGPUDP,
	}

	if maxQuad != (Quad{}) {
		a.lastAssigned = maxQuad
		a.hasAssigned = true
	}

	a.vacancies = computeVacancies(initPeer, assigned, a)
	return a
}

// computeVacancies scans [initPeer .. max(assigned)] and records every peer
// port not present in assigned, deriving the rest of each tuple from the
// peer-port offset (spec.md §4.3: startup vacancy scan).
func computeVacancies(initPeer uint16, assigned []uint16, a *Allocator) []Quad {
	if len(assigned) == 0 {
		return nil
	}

	present := make(map[uint16]bool, len(assigned))
	max := initPeer
	for _, p := range assigned {
		present[p] = true
		if p > max {
			max = p
		}
	}

	var vacancies []Quad
	for p := initPeer; p < max; p++ {
		if !present[p] {
			vacancies = append(vacancies, a.quadForPeerOffset(p))
		}
	}
	return vacancies
}

// quadForPeerOffset derives a full tuple from a peer port, using the fixed
// offset from the allocator's configured base (peer/user advance by 1,
// GP TCP/UDP advance by 2 per instance).
func (a *Allocator) quadForPeerOffset(peer uint16) Quad {
	offset := peer - a.initPeer
	return Quad{
		PeerPort:       peer,
		UserPort:       a.initUser + offset,
		GPTCPPortStart: a.initGPTCP + offset*2,
		GPUDPPortStart: a.initGPUDP + offset*2,
	}
}

// Allocate returns the next available Quad: a vacancy if one exists (LIFO),
// otherwise the next value past the highest tuple ever assigned.
func (a *Allocator) Allocate() Quad {
	if n := len(a.vacancies); n > 0 {
		q := a.vacancies[n-1]
		a.vacancies = a.vacancies[:n-1]
		return q
	}

	if !a.hasAssigned {
		a.lastAssigned = Quad{
			PeerPort:       a.initPeer,
			UserPort:       a.initUser,
			GPTCPPortStart: a.initGPTCP,
			GPUDPPortStart: a.initGPUDP,
		}
		a.hasAssigned = true
		return a.lastAssigned
	}

	next := Quad{
		PeerPort:       a.lastAssigned.PeerPort + 1,
		UserPort:       a.lastAssigned.UserPort + 1,
		GPTCPPortStart: a.lastAssigned.GPTCPPortStart + 2,
		GPUDPPortStart: a.lastAssigned.GPUDPPortStart + 2,
	}
	a.lastAssigned = next
	return next
}

// Release pushes a freed Quad back onto the vacancy list, deduplicating
// against whatever is already present. Legacy rows with GPTCPPortStart == 0
// are normalized by recomputing GP ports from the peer offset before
// insertion (spec.md §4.3).
func (a *Allocator) Release(q Quad) {
	if q.GPTCPPortStart == 0 {
		q = a.quadForPeerOffset(q.PeerPort)
	}

	for _, v := range a.vacancies {
		if v.PeerPort == q.PeerPort {
			return
		}
	}
	a.vacancies = append(a.vacancies, q)
}

// VacancyCount reports the number of freed tuples awaiting reuse, mainly for
// tests and diagnostics.
func (a *Allocator) VacancyCount() int {
	return len(a.vacancies)
}

// sortedVacancies returns a copy of the vacancy list ordered by peer port,
// used only by tests asserting the startup scan's contents independently of
// the order in which vacancies were pushed.
func (a *Allocator) sortedVacancies() []Quad {
	out := make([]Quad, len(a.vacancies))
	copy(out, a.vacancies)
	sort.Slice(out, func(i, j int) bool { return out[i].PeerPort < out[j].PeerPort })
	return out
}
