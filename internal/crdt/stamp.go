package crdt

// Stamp is a Lamport timestamp. The replica ID breaks ties so that any two
// distinct stamps are totally ordered and every replica orders them
// identically.
type Stamp struct {
	Clock   uint64 `json:"c"`
	Replica string `json:"r"`
}

func (s Stamp) IsZero() bool {
	return s.Clock == 0 && s.Replica == ""
}

// After reports whether s wins over o under last-writer-wins.
func (s Stamp) After(o Stamp) bool {
	if s.Clock != o.Clock {
		return s.Clock > o.Clock
	}
	return s.Replica > o.Replica
}

// StateVector summarizes what a replica has seen: the highest clock value
// observed per origin replica. Two replicas exchange vectors so each can
// send the other exactly the stamps the vector does not cover.
type StateVector map[string]uint64

// Covers reports whether a stamp is already accounted for by the vector.
func (v StateVector) Covers(s Stamp) bool {
	if s.IsZero() {
		return true
	}
	return s.Clock <= v[s.Replica]
}

// Observe folds a stamp into the vector.
func (v StateVector) Observe(s Stamp) {
	if s.IsZero() {
		return
	}
	if s.Clock > v[s.Replica] {
		v[s.Replica] = s.Clock
	}
}

// Clone returns an independent copy of the vector.
func (v StateVector) Clone() StateVector {
	out := make(StateVector, len(v))
	for replica, clock := range v {
		out[replica] = clock
	}
	return out
}
