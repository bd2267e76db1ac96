// Package wfp installs the outbound allow-list in the Windows Filtering Platform.
//
// All objects are created in a dynamic engine session: when the session handle
// is closed, or the owning process dies, the OS purges every provider,
// sublayer and filter added through it.
package wfp

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrEngineUnavailable is returned when the filter engine cannot be opened.
	ErrEngineUnavailable = errors.New("filter engine unavailable")
	// ErrTransactionFailed is returned when the lockdown transaction could not
	// be committed. Nothing from the transaction is in force.
	ErrTransactionFailed = errors.New("filter transaction failed")
	// ErrAlreadyExists is returned by a Session when an object key is taken.
	ErrAlreadyExists = errors.New("object already exists")
	// ErrGuardClosed is returned when a closed guard is used.
	ErrGuardClosed = errors.New("guard closed")
)

const (
	// SessionName is the display name of the engine session.
	SessionName = "Lockdown Agent Session"

	// SublayerWeight puts the sublayer ahead of every competing sublayer.
	SublayerWeight uint16 = 0xFFFF
	// BlockAllWeight is the weight of the blanket outbound block.
	BlockAllWeight uint8 = 1
	// PermitWeight is the weight of per-application permits.
	PermitWeight uint8 = 15
)

var (
	ProviderKey = uuid.MustParse("4b6e8f31-2c5a-4b9a-9f0a-1b2c3d4e5f6a")
	SublayerKey = uuid.MustParse("8a1b2c3d-4e5f-6a7b-8c9d-0e1f2a3b4c5d")
)

// Action is a filter verdict.
type Action int

const (
	ActionBlock Action = iota
	ActionPermit
)

func (a Action) String() string {
	if a == ActionPermit {
		return "permit"
	}
	return "block"
}

// Layer names a filtering layer.
type Layer string

// LayerALEAuthConnectV4 authorizes outbound IPv4 connections.
const LayerALEAuthConnectV4 Layer = "ALE_AUTH_CONNECT_V4"

// AppID is an OS-derived application identity. It must be released after use.
type AppID interface {
	Path() string
	Release()
}

// Provider is a filter provider registration.
type Provider struct {
	Key  uuid.UUID
	Name string
}

// Sublayer groups the agent's filters.
type Sublayer struct {
	Key      uuid.UUID
	Provider uuid.UUID
	Name     string
	Weight   uint16
}

// Filter is a single filtering rule. App is nil for rules that apply to
// every application.
type Filter struct {
	Key      uuid.UUID
	Name     string
	Layer    Layer
	Action   Action
	Weight   uint8
	Provider uuid.UUID
	Sublayer uuid.UUID
	App      AppID
}

// Session is an open engine session.
type Session interface {
	Begin() error
	Commit() error
	Abort() error
	AddProvider(p Provider) error
	AddSublayer(s Sublayer) error
	AddFilter(f Filter) (uint64, error)
	AppID(path string) (AppID, error)
	Close() error
}

// Opener opens a dynamic engine session.
type Opener func(name string) (Session, error)

// Engine opens guards on the filter engine.
type Engine struct {
	open   Opener
	exists func(path string) bool
	logger zerolog.Logger
}

// NewEngine creates an engine. A nil opener selects the platform session.
func NewEngine(open Opener, logger zerolog.Logger) *Engine {
	if open == nil {
		open = OpenDynamicSession
	}
	return &Engine{
		open:   open,
		exists: fileExists,
		logger: logger.With().Str("component", "wfp").Logger(),
	}
}

// Open establishes a dynamic engine session and wraps it in a Guard.
func (e *Engine) Open() (*Guard, error) {
	s, err := e.open(SessionName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	e.logger.Debug().Msg("Filter engine session opened")
	return &Guard{session: s, exists: e.exists, logger: e.logger}, nil
}

// SkippedApp is an allow-list entry that did not receive a permit filter.
type SkippedApp struct {
	Path   string
	Reason string
}

// LockdownResult summarizes a committed lockdown.
type LockdownResult struct {
	Permitted []string
	Skipped   []SkippedApp
}

// Guard owns an engine session. Closing it releases the session, which makes
// the OS remove every filter installed through it.
type Guard struct {
	session Session
	exists  func(path string) bool
	logger  zerolog.Logger

	mu      sync.Mutex
	closed  bool
	filters []uint64
}

// ApplyLockdown installs the provider, sublayer, blanket block and one permit
// per existing allow-listed application, all in one transaction.
func (g *Guard) ApplyLockdown(allowedApps []string) (*LockdownResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrGuardClosed
	}

	s := g.session
	if err := s.Begin(); err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrTransactionFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := s.Abort(); err != nil {
				g.logger.Warn().Err(err).Msg("Failed to abort filter transaction")
			}
		}
	}()

	if err := s.AddProvider(Provider{Key: ProviderKey, Name: "Lockdown Agent Provider"}); err != nil &&
		!errors.Is(err, ErrAlreadyExists) {
		return nil, fmt.Errorf("%w: adding provider: %v", ErrTransactionFailed, err)
	}

	err := s.AddSublayer(Sublayer{
		Key:      SublayerKey,
		Provider: ProviderKey,
		Name:     "Lockdown Agent Sublayer",
		Weight:   SublayerWeight,
	})
	if err != nil && !errors.Is(err, ErrAlreadyExists) {
		return nil, fmt.Errorf("%w: adding sublayer: %v", ErrTransactionFailed, err)
	}

	var ids []uint64
	id, err := s.AddFilter(Filter{
		Key:      uuid.New(),
		Name:     "Block All Outbound",
		Layer:    LayerALEAuthConnectV4,
		Action:   ActionBlock,
		Weight:   BlockAllWeight,
		Provider: ProviderKey,
		Sublayer: SublayerKey,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: adding block filter: %v", ErrTransactionFailed, err)
	}
	ids = append(ids, id)

	result := &LockdownResult{}
	for i, path := range allowedApps {
		if !g.exists(path) {
			result.Skipped = append(result.Skipped, SkippedApp{Path: path, Reason: "file not found"})
			continue
		}

		app, err := s.AppID(path)
		if err != nil {
			g.logger.Warn().Err(err).Str("path", path).Msg("Could not resolve application identity")
			result.Skipped = append(result.Skipped, SkippedApp{Path: path, Reason: err.Error()})
			continue
		}

		id, err := s.AddFilter(Filter{
			Key:      uuid.New(),
			Name:     fmt.Sprintf("Permit App %d", i),
			Layer:    LayerALEAuthConnectV4,
			Action:   ActionPermit,
			Weight:   PermitWeight,
			Provider: ProviderKey,
			Sublayer: SublayerKey,
			App:      app,
		})
		app.Release()
		if err != nil {
			g.logger.Warn().Err(err).Str("path", path).Msg("Failed to add permit filter")
			result.Skipped = append(result.Skipped, SkippedApp{Path: path, Reason: err.Error()})
			continue
		}
		ids = append(ids, id)
		result.Permitted = append(result.Permitted, path)
	}

	if err := s.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrTransactionFailed, err)
	}
	committed = true
	g.filters = append(g.filters, ids...)

	g.logger.Info().
		Int("permitted", len(result.Permitted)).
		Int("skipped", len(result.Skipped)).
		Msg("Filter lockdown committed")

	return result, nil
}

// FilterCount returns the number of committed filters.
func (g *Guard) FilterCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.filters)
}

// Close releases the engine session. It is safe to call more than once.
func (g *Guard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true
	g.filters = nil

	if err := g.session.Close(); err != nil {
		return fmt.Errorf("closing engine session: %w", err)
	}
	g.logger.Debug().Msg("Filter engine session closed")
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
