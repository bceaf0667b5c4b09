package protocol

import "sync/atomic"

// IDSource hands out request ids for one session. Ids start at 1 and
// increase monotonically; zero is never issued.
type IDSource struct {
	counter atomic.Uint32
}

// Next returns the next request id.
func (s *IDSource) Next() uint32 {
	for {
		if id := s.counter.Add(1); id != 0 {
			return id
		}
	}
}
