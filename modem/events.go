package modem

import (
	"sync"
	"time"
)

// IncomingCall is published on the calls stream for every +CLIP report.
type IncomingCall struct {
	Number string `json:"number"`
	// NumberingScheme is the type of address octet, e.g. "145" for an
	// international number.
	NumberingScheme string    `json:"numbering_scheme"`
	Time            time.Time `json:"time"`
}

// Stream fans values out to any number of subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the value.
type Stream[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]chan T
	nextID uint64
	buffer int
	closed bool
}

// NewStream returns a Stream whose subscriber channels hold buffer values.
func NewStream[T any](buffer int) *Stream[T] {
	return &Stream[T]{
		subs:   make(map[uint64]chan T),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. The returned function removes it
// and closes the channel; calling it more than once is harmless. Subscribing
// to a closed stream yields an already closed channel.
func (s *Stream[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan T, s.buffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers v to every subscriber with room for it and reports how
// many got it and how many were skipped.
func (s *Stream[T]) Publish(v T) (delivered, dropped int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.subs {
		select {
		case ch <- v:
			delivered++
		default:
			dropped++
		}
	}
	return delivered, dropped
}

// Subscribers returns the number of active subscribers.
func (s *Stream[T]) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Close closes every subscriber channel. Later publishes are no-ops.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}
