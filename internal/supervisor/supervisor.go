// Package supervisor tracks the set of known endpoint candidates for one
// subordinate bus and decides when to switch the live Forwarder to a
// better one. It owns no network connection itself — it only scores
// candidates and calls Forwarder.Reload when a switch is warranted.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/turris-cz/foris-forwarder-go/internal/config"
	"github.com/turris-cz/foris-forwarder-go/internal/ctrlid"
)

// NextIPTimeout is the minimum time the current endpoint must have been
// failing before the Supervisor promotes a different candidate.
const NextIPTimeout = 30 * time.Second

// BufferCount caps the number of candidate endpoints retained per
// subordinate, oldest/worst discarded first once the cap is exceeded.
const BufferCount = 100

// Candidate is one known (address, port) pair for a subordinate, with the
// score used to rank it against its peers.
type Candidate struct {
	Address string
	Port    int

	FailCount int
	// When is this candidate's last known-good (or discovery) time, used
	// to break ties between equally-failing candidates in favor of the
	// more recently seen one.
	When time.Time
	// failingSince is the moment this candidate's current failure streak
	// began; zero while the candidate is not failing. Promotion compares
	// elapsed time against failingSince, not When.
	failingSince time.Time
}

func (c Candidate) key() string { return fmt.Sprintf("%s:%d", c.Address, c.Port) }

// less ranks candidates best-first: fewer failures wins; ties break toward
// the most recently seen candidate.
func (c Candidate) less(other Candidate) bool {
	if c.FailCount != other.FailCount {
		return c.FailCount < other.FailCount
	}
	return c.When.After(other.When)
}

// Forwarder is the subset of *forwarder.Forwarder the Supervisor drives.
// Defined as an interface so tests can substitute a fake.
type Forwarder interface {
	Reload(ctx context.Context, sub config.Subordinate) error
}

// Supervisor tracks endpoint candidates for a single subordinate and
// reconnects its Forwarder to the best one when the current endpoint has
// been failing for at least NextIPTimeout.
type Supervisor struct {
	id     ctrlid.ID
	base   config.Subordinate
	logger *slog.Logger

	mu         sync.Mutex
	candidates map[string]Candidate
	current    string

	onPromote func(from, to string) // optional metrics hook, nil-safe
}

// SetOnPromote installs fn to be called with the old and new candidate keys
// whenever Check promotes a different endpoint. Passing nil disables it.
func (s *Supervisor) SetOnPromote(fn func(from, to string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPromote = fn
}

// New creates a Supervisor for sub, seeded with its configured endpoint as
// the initial (and, until discovery reports otherwise, only) candidate.
func New(sub config.Subordinate, logger *slog.Logger) (*Supervisor, error) {
	id, err := sub.ID()
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	s := &Supervisor{
		id:         id,
		base:       sub,
		logger:     logger.With(slog.String("controller_id", id.String())),
		candidates: make(map[string]Candidate),
	}
	seed := Candidate{Address: sub.Address, Port: sub.Port, When: time.Time{}}
	s.candidates[seed.key()] = seed
	s.current = seed.key()
	return s, nil
}

// ZconfUpdate merges newly discovered endpoints into the candidate set: a
// new (address, port) pair is added with a zero fail count and the current
// time; one already tracked keeps its fail count and failingSince but has
// its When refreshed to the current time, since being re-announced is
// itself a sign of life. The set is then truncated to BufferCount, dropping
// the worst-scored candidates first.
func (s *Supervisor) ZconfUpdate(endpoints []Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := discoveredAt()
	for _, e := range endpoints {
		key := e.key()
		existing, exists := s.candidates[key]
		if !exists {
			s.candidates[key] = Candidate{Address: e.Address, Port: e.Port, FailCount: 0, When: now}
			continue
		}
		existing.When = now
		s.candidates[key] = existing
	}

	if len(s.candidates) <= BufferCount {
		return
	}

	ordered := s.sortedLocked()
	s.candidates = make(map[string]Candidate, BufferCount)
	for _, c := range ordered[:BufferCount] {
		s.candidates[c.key()] = c
	}
	if _, ok := s.candidates[s.current]; !ok && len(ordered) > 0 {
		s.current = ordered[0].key()
	}
}

// discoveredAt is this package's single source of the current time, split
// out so tests can deterministically control "now".
var discoveredAt = time.Now

func (s *Supervisor) sortedLocked() []Candidate {
	ordered := make([]Candidate, 0, len(s.candidates))
	for _, c := range s.candidates {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].less(ordered[j]) })
	return ordered
}

// Best returns the current best-scored candidate.
func (s *Supervisor) Best() Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	ordered := s.sortedLocked()
	return ordered[0]
}

// Current returns the candidate the Forwarder is presently (or was last)
// connected to.
func (s *Supervisor) Current() Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candidates[s.current]
}

// Check inspects the Forwarder's connection state and either refreshes the
// current candidate's score (connected) or increments its fail count and,
// once the failure has lasted at least NextIPTimeout, reloads the Forwarder
// onto the best-scored alternative.
func (s *Supervisor) Check(ctx context.Context, fwd Forwarder, connected bool) error {
	s.mu.Lock()
	cur := s.candidates[s.current]
	now := discoveredAt()

	if connected {
		cur.FailCount = 0
		cur.When = now
		cur.failingSince = time.Time{}
		s.candidates[s.current] = cur
		s.mu.Unlock()
		return nil
	}

	if cur.FailCount == 0 {
		cur.failingSince = now
	}
	cur.FailCount++
	s.candidates[s.current] = cur
	elapsed := now.Sub(cur.failingSince)
	ordered := s.sortedLocked()
	s.mu.Unlock()

	if elapsed < NextIPTimeout {
		return nil
	}
	if len(ordered) == 0 {
		return nil
	}

	best := ordered[0]
	if best.key() == cur.key() {
		return nil
	}

	s.logger.Info("promoting candidate endpoint",
		slog.String("from", cur.key()),
		slog.String("to", best.key()),
		slog.Int("fail_count", cur.FailCount),
	)

	overridden := s.base.CloneWithOverrides(best.Address, best.Port)
	if err := fwd.Reload(ctx, overridden); err != nil {
		return fmt.Errorf("supervisor: reload to %s: %w", best.key(), err)
	}

	s.mu.Lock()
	s.current = best.key()
	onPromote := s.onPromote
	s.mu.Unlock()

	if onPromote != nil {
		onPromote(cur.key(), best.key())
	}
	return nil
}
