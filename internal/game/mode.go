// Package game holds the pluggable session rules. The session engine only
// talks to the Mode interface; concrete modes are looked up by name.
package game

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stakeplay/backend/internal/models"
)

// Setup is what a mode needs to start a fresh session.
type Setup struct {
	SessionID    string
	Participants []string
	TurnTimeout  time.Duration
	Now          time.Time
}

// Outcome is the result of one accepted move.
type Outcome struct {
	GameOver bool   `json:"game_over"`
	Winner   string `json:"winner,omitempty"`
	// Detail is mode specific and safe to show to every participant.
	Detail any `json:"detail,omitempty"`
}

// Mode is one session's rules and state.
type Mode interface {
	Start(setup Setup) error
	// ApplyMove runs one move; now is the caller's clock, used for deadlines.
	ApplyMove(playerID string, move json.RawMessage, now time.Time) (Outcome, error)
	IsExpired(now time.Time) bool
	Serialize() ([]byte, error)
	Hydrate(data []byte) error
}

// Viewer is implemented by modes whose serialized state holds data
// participants should not see.
type Viewer interface {
	View() any
}

type Factory func() Mode

// Registry maps mode names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry has every built-in mode registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(HighCardMode, func() Mode { return &HighCard{} })
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New starts a fresh session of the named mode.
func (r *Registry) New(name string, setup Setup) (Mode, error) {
	m, err := r.blank(name)
	if err != nil {
		return nil, err
	}
	if err := m.Start(setup); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	return m, nil
}

// Restore rebuilds a mode from its serialized state.
func (r *Registry) Restore(name string, data []byte) (Mode, error) {
	m, err := r.blank(name)
	if err != nil {
		return nil, err
	}
	if err := m.Hydrate(data); err != nil {
		return nil, fmt.Errorf("hydrate %s: %w", name, err)
	}
	return m, nil
}

func (r *Registry) blank(name string) (Mode, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownMode, name)
	}
	return f(), nil
}
