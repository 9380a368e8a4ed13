package events

import "sync"

// Store retains the last N events per topic, keyed by device EUI string.
type Store struct {
	buffers    map[string]*RingBuffer
	maxHistory int
	mu         sync.RWMutex
}

func NewStore(maxHistory int) *Store {
	return &Store{
		buffers:    make(map[string]*RingBuffer),
		maxHistory: maxHistory,
	}
}

func (s *Store) Record(topic string, event interface{}) {
	s.mu.Lock()
	buf, ok := s.buffers[topic]
	if !ok {
		buf = NewRingBuffer(s.maxHistory)
		s.buffers[topic] = buf
	}
	s.mu.Unlock()
	buf.Push(event)
}

func (s *Store) History(topic string) []interface{} {
	s.mu.RLock()
	buf, ok := s.buffers[topic]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return buf.GetAll()
}

func (s *Store) Remove(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, topic)
}
