// Package memory keeps per-conversation short-term turns and long-term facts
// on top of a kv.Store.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/pcbridge/internal/kv"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in the short-term history.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"ts"`
}

// Options bounds the memory. Zero values pick the defaults.
type Options struct {
	MaxTurns     int
	TurnTTL      time.Duration
	MaxTurnChars int
	MaxFacts     int
	// SharedFacts are injected into every context block.
	SharedFacts []string
	Clock       kv.Clock
	Logger      *slog.Logger
}

// Store is the conversation memory.
type Store struct {
	kv           kv.Store
	maxTurns     int
	turnTTL      time.Duration
	maxTurnChars int
	maxFacts     int
	shared       []string
	clock        kv.Clock
	logger       *slog.Logger
}

// New returns a Store persisted in store.
func New(store kv.Store, opts Options) *Store {
	s := &Store{
		kv:           store,
		maxTurns:     opts.MaxTurns,
		turnTTL:      opts.TurnTTL,
		maxTurnChars: opts.MaxTurnChars,
		maxFacts:     opts.MaxFacts,
		shared:       opts.SharedFacts,
		clock:        opts.Clock,
		logger:       opts.Logger,
	}
	if s.maxTurns <= 0 {
		s.maxTurns = 20
	}
	if s.turnTTL <= 0 {
		s.turnTTL = time.Hour
	}
	if s.maxTurnChars <= 0 {
		s.maxTurnChars = 500
	}
	if s.maxFacts <= 0 {
		s.maxFacts = 100
	}
	if s.clock == nil {
		s.clock = kv.RealClock()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func turnsKey(conv string) string { return "memory:turns:" + conv }
func factsKey(conv string) string { return "memory:facts:" + conv }

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func (s *Store) fresh(turns []Turn, now time.Time) []Turn {
	cutoff := now.Add(-s.turnTTL)
	out := turns[:0]
	for _, t := range turns {
		if t.Timestamp.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// AddTurn appends a turn, then prunes by age and by count.
func (s *Store) AddTurn(ctx context.Context, conv string, role Role, content string) error {
	now := s.clock.Now()
	turn := Turn{Role: role, Content: truncateRunes(content, s.maxTurnChars), Timestamp: now}

	err := s.kv.Update(ctx, turnsKey(conv), s.turnTTL, func(cur []byte, _ bool) ([]byte, error) {
		var turns []Turn
		if len(cur) > 0 {
			if err := json.Unmarshal(cur, &turns); err != nil {
				s.logger.Warn("discarding corrupt turn history", "conversation", conv, "error", err)
				turns = nil
			}
		}
		turns = s.fresh(append(turns, turn), now)
		if len(turns) > s.maxTurns {
			turns = turns[len(turns)-s.maxTurns:]
		}
		return json.Marshal(turns)
	})
	if err != nil {
		return fmt.Errorf("adding turn for %s: %w", conv, err)
	}
	return nil
}

// GetRecentTurns returns up to limit newest live turns, oldest first.
func (s *Store) GetRecentTurns(ctx context.Context, conv string, limit int) ([]Turn, error) {
	raw, err := s.kv.Get(ctx, turnsKey(conv))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading turns for %s: %w", conv, err)
	}
	var turns []Turn
	if err := json.Unmarshal(raw, &turns); err != nil {
		return nil, fmt.Errorf("decoding turns for %s: %w", conv, err)
	}
	turns = s.fresh(turns, s.clock.Now())
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

func (s *Store) updateFacts(ctx context.Context, conv string, fn func([]string) ([]string, error)) error {
	return s.kv.Update(ctx, factsKey(conv), 0, func(cur []byte, _ bool) ([]byte, error) {
		var facts []string
		if len(cur) > 0 {
			if err := json.Unmarshal(cur, &facts); err != nil {
				return nil, fmt.Errorf("decoding facts: %w", err)
			}
		}
		facts, err := fn(facts)
		if err != nil {
			return nil, err
		}
		if len(facts) == 0 {
			return nil, nil
		}
		return json.Marshal(facts)
	})
}

var errKnownFact = errors.New("fact already known")

// Remember stores a fact. It returns false when the fact is empty or
// already stored.
func (s *Store) Remember(ctx context.Context, conv, fact string) (bool, error) {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return false, nil
	}
	err := s.updateFacts(ctx, conv, func(facts []string) ([]string, error) {
		for _, f := range facts {
			if f == fact {
				return nil, errKnownFact
			}
		}
		facts = append(facts, fact)
		if len(facts) > s.maxFacts {
			facts = facts[len(facts)-s.maxFacts:]
		}
		return facts, nil
	})
	if errors.Is(err, errKnownFact) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("remembering fact for %s: %w", conv, err)
	}
	return true, nil
}

// Forget removes every fact containing keyword, ignoring case, and returns
// the number removed.
func (s *Store) Forget(ctx context.Context, conv, keyword string) (int, error) {
	needle := strings.ToLower(strings.TrimSpace(keyword))
	if needle == "" {
		return 0, nil
	}
	removed := 0
	err := s.updateFacts(ctx, conv, func(facts []string) ([]string, error) {
		removed = 0
		kept := facts[:0]
		for _, f := range facts {
			if strings.Contains(strings.ToLower(f), needle) {
				removed++
				continue
			}
			kept = append(kept, f)
		}
		return kept, nil
	})
	if err != nil {
		return 0, fmt.Errorf("forgetting facts for %s: %w", conv, err)
	}
	return removed, nil
}

// Facts returns the long-term facts for conv, oldest first.
func (s *Store) Facts(ctx context.Context, conv string) ([]string, error) {
	raw, err := s.kv.Get(ctx, factsKey(conv))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading facts for %s: %w", conv, err)
	}
	var facts []string
	if err := json.Unmarshal(raw, &facts); err != nil {
		return nil, fmt.Errorf("decoding facts for %s: %w", conv, err)
	}
	return facts, nil
}

// Clear wipes both turns and facts for conv.
func (s *Store) Clear(ctx context.Context, conv string) error {
	if err := s.kv.Delete(ctx, turnsKey(conv)); err != nil {
		return fmt.Errorf("clearing turns for %s: %w", conv, err)
	}
	if err := s.kv.Delete(ctx, factsKey(conv)); err != nil {
		return fmt.Errorf("clearing facts for %s: %w", conv, err)
	}
	return nil
}

// BuildContextBlock renders shared facts and the conversation's long-term
// facts as bullet lists. It returns "" when there is nothing to show.
func (s *Store) BuildContextBlock(ctx context.Context, conv string) (string, error) {
	facts, err := s.Facts(ctx, conv)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	writeSection := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(title)
		for _, it := range items {
			b.WriteString("\n- ")
			b.WriteString(it)
		}
	}
	writeSection("[Shared facts]", s.shared)
	writeSection("[Long-term memory]", facts)
	return b.String(), nil
}

// FormatTurns renders turns as "User: ..." and "AI: ..." lines.
func FormatTurns(turns []Turn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		who := "AI"
		if t.Role == RoleUser {
			who = "User"
		}
		lines = append(lines, who+": "+t.Content)
	}
	return strings.Join(lines, "\n")
}
