package wfp

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var errNoTransaction = errors.New("no transaction in progress")

// MemorySession is an in-process Session that keeps filters in memory with
// dynamic-session semantics: Close discards everything. It backs dry runs on
// hosts without a filter engine.
type MemorySession struct {
	// Failure injection.
	CommitErr      error
	FilterErr      func(f Filter) error
	AppIDErr       func(path string) error
	ProviderExists bool // report ErrAlreadyExists on provider add

	mu        sync.Mutex
	inTxn     bool
	closed    bool
	nextID    uint64
	providers map[uuid.UUID]Provider
	sublayers map[uuid.UUID]Sublayer
	filters   map[uint64]Filter

	pending struct {
		providers []Provider
		sublayers []Sublayer
		filters   map[uint64]Filter
	}
	released int
}

// NewMemorySession creates an empty in-memory session.
func NewMemorySession() *MemorySession {
	return &MemorySession{
		providers: make(map[uuid.UUID]Provider),
		sublayers: make(map[uuid.UUID]Sublayer),
		filters:   make(map[uint64]Filter),
	}
}

// MemoryOpener returns an Opener that always hands out s.
func MemoryOpener(s *MemorySession) Opener {
	return func(string) (Session, error) { return s, nil }
}

func (m *MemorySession) Begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrGuardClosed
	}
	if m.inTxn {
		return errors.New("transaction already in progress")
	}
	m.inTxn = true
	m.pending.providers = nil
	m.pending.sublayers = nil
	m.pending.filters = make(map[uint64]Filter)
	return nil
}

func (m *MemorySession) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inTxn {
		return errNoTransaction
	}
	if m.CommitErr != nil {
		return m.CommitErr
	}
	for _, p := range m.pending.providers {
		m.providers[p.Key] = p
	}
	for _, s := range m.pending.sublayers {
		m.sublayers[s.Key] = s
	}
	for id, f := range m.pending.filters {
		m.filters[id] = f
	}
	m.inTxn = false
	return nil
}

func (m *MemorySession) Abort() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inTxn {
		return errNoTransaction
	}
	m.inTxn = false
	m.pending.filters = nil
	return nil
}

func (m *MemorySession) AddProvider(p Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inTxn {
		return errNoTransaction
	}
	if _, ok := m.providers[p.Key]; ok || m.ProviderExists {
		return ErrAlreadyExists
	}
	m.pending.providers = append(m.pending.providers, p)
	return nil
}

func (m *MemorySession) AddSublayer(s Sublayer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inTxn {
		return errNoTransaction
	}
	if _, ok := m.sublayers[s.Key]; ok {
		return ErrAlreadyExists
	}
	m.pending.sublayers = append(m.pending.sublayers, s)
	return nil
}

func (m *MemorySession) AddFilter(f Filter) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inTxn {
		return 0, errNoTransaction
	}
	if m.FilterErr != nil {
		if err := m.FilterErr(f); err != nil {
			return 0, err
		}
	}
	m.nextID++
	if f.App != nil {
		f.App = memoryAppID{path: f.App.Path()}
	}
	m.pending.filters[m.nextID] = f
	return m.nextID, nil
}

func (m *MemorySession) AppID(path string) (AppID, error) {
	if m.AppIDErr != nil {
		if err := m.AppIDErr(path); err != nil {
			return nil, err
		}
	}
	return &releaseCounter{memoryAppID: memoryAppID{path: path}, session: m}, nil
}

// Close discards every committed object, like the OS does for a dynamic
// session.
func (m *MemorySession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("session already closed")
	}
	m.closed = true
	m.inTxn = false
	m.providers = make(map[uuid.UUID]Provider)
	m.sublayers = make(map[uuid.UUID]Sublayer)
	m.filters = make(map[uint64]Filter)
	return nil
}

// Filters returns a copy of the committed filters.
func (m *MemorySession) Filters() []Filter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Filter, 0, len(m.filters))
	for _, f := range m.filters {
		out = append(out, f)
	}
	return out
}

// Sublayers returns a copy of the committed sublayers.
func (m *MemorySession) Sublayers() []Sublayer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sublayer, 0, len(m.sublayers))
	for _, s := range m.sublayers {
		out = append(out, s)
	}
	return out
}

// Closed reports whether Close was called.
func (m *MemorySession) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Released returns how many application identities were released.
func (m *MemorySession) Released() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

type memoryAppID struct {
	path string
}

func (a memoryAppID) Path() string { return a.path }
func (a memoryAppID) Release()     {}

type releaseCounter struct {
	memoryAppID
	session *MemorySession
}

func (r *releaseCounter) Release() {
	r.session.mu.Lock()
	r.session.released++
	r.session.mu.Unlock()
}
