package h3

import (
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/security-union/h3/internal/wire"
)

// sharedState is the lock-guarded state shared between a connection,
// its background readers, and every request stream handle it hands out.
type sharedState struct {
	mu           sync.RWMutex
	peer         wire.Settings
	peerReceived bool
	closed       bool
	connErr      *ConnectionError
}

func newSharedState() *sharedState {
	return &sharedState{peer: wire.DefaultSettings()}
}

func (s *sharedState) setPeerSettings(set wire.Settings) {
	s.mu.Lock()
	s.peer = set
	s.peerReceived = true
	s.mu.Unlock()
}

func (s *sharedState) peerSettings() (wire.Settings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer, s.peerReceived
}

// peerHeaderLimit is the peer's advertised SETTINGS_MAX_FIELD_SECTION_SIZE,
// effectively unlimited until a SETTINGS frame says otherwise.
func (s *sharedState) peerHeaderLimit() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer.MaxFieldSectionSize
}

// close records the terminal state. Only the first call wins; it
// reports whether this call was the first.
func (s *sharedState) close(cerr *ConnectionError) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.connErr = cerr
	return true
}

func (s *sharedState) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *sharedState) err() *ConnectionError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connErr
}

// completionQueue collects finished stream ids from many goroutines for
// the single accepting task. Pushes never block.
type completionQueue struct {
	mu     sync.Mutex
	ids    []quic.StreamID
	notify chan struct{}
}

func newCompletionQueue() *completionQueue {
	return &completionQueue{notify: make(chan struct{}, 1)}
}

func (q *completionQueue) push(id quic.StreamID) {
	q.mu.Lock()
	q.ids = append(q.ids, id)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *completionQueue) drain() []quic.StreamID {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.ids
	q.ids = nil
	return ids
}

// requestEnd delivers a stream's single completion notification,
// whichever exit path fires first. Both halves of a split stream share
// one instance.
type requestEnd struct {
	once sync.Once
	id   quic.StreamID
	q    *completionQueue
}

func (e *requestEnd) complete() {
	e.once.Do(func() { e.q.push(e.id) })
}
