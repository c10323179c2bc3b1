package session

import (
	"sort"
	"sync"
	"time"

	"github.com/vfmunhoz/wagate/internal/outbound"
	"github.com/vfmunhoz/wagate/internal/wa"
)

// Session is the in-memory handle for one running session.
type Session struct {
	ID string

	machine   *Machine
	transport wa.Transport
	queue     *outbound.Queue
	cancel    func()

	mu           sync.Mutex
	qr           string
	lastActivity time.Time
}

// State returns the session's lifecycle state.
func (s *Session) State() State { return s.machine.Current() }

// Queue is the session's outbound send queue.
func (s *Session) Queue() *outbound.Queue { return s.queue }

// Transport is the session's provider connection.
func (s *Session) Transport() wa.Transport { return s.transport }

// QR returns the current pairing code, empty once authenticated.
func (s *Session) QR() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qr
}

func (s *Session) setQR(code string) {
	s.mu.Lock()
	s.qr = code
	s.mu.Unlock()
}

// LastActivity is the time of the session's most recent transport
// event.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Registry tracks running sessions.
type Registry interface {
	Get(id string) (*Session, bool)
	Put(s *Session)
	Delete(id string)
	List() []*Session
}

// NewRegistry returns an empty in-memory registry.
func NewRegistry() Registry {
	return &memoryRegistry{sessions: make(map[string]*Session)}
}

type memoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func (r *memoryRegistry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *memoryRegistry) Put(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

func (r *memoryRegistry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *memoryRegistry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
