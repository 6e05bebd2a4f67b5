// Package inprocess implements memory.Gateway with a small in-memory
// vector index and no external service. Entries are embedded and compared
// by cosine similarity, but the embedding itself is a deterministic
// feature-hashed bag-of-words vector rather than a call to a real
// embedding provider, since this adapter exists precisely to avoid a
// network dependency in the default/test path.
package inprocess

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nexuschat/orchestrator/internal/memory"
)

const dimension = 256

type entry struct {
	sessionID string
	userID    string
	role      string
	text      string
	vector    []float64
	createdAt time.Time
}

// Store is an in-process, per-process memory index. Entries are scoped
// by userID: QueryRelevant searches across every session belonging to the
// querying user.
type Store struct {
	mu      sync.RWMutex
	entries []entry
	now     func() time.Time
}

// New builds an empty in-process store.
func New() *Store {
	return &Store{now: time.Now}
}

var _ memory.Gateway = (*Store)(nil)

// AddTurn embeds and indexes each message under sessionID/userID.
func (s *Store) AddTurn(ctx context.Context, sessionID, userID string, messages []memory.Message) error {
	if len(messages) == 0 {
		return nil
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range messages {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		s.entries = append(s.entries, entry{
			sessionID: sessionID,
			userID:    userID,
			role:      m.Role,
			text:      text,
			vector:    embed(text),
			createdAt: now,
		})
	}
	return nil
}

// QueryRelevant ranks indexed entries for userID by cosine similarity to
// queryText and returns the top k.
func (s *Store) QueryRelevant(ctx context.Context, sessionID, userID, queryText string, k int) ([]memory.Snippet, error) {
	if k <= 0 {
		return nil, nil
	}
	queryVec := embed(queryText)

	s.mu.RLock()
	type scored struct {
		entry entry
		score float64
	}
	var candidates []scored
	for _, e := range s.entries {
		if e.userID != userID {
			continue
		}
		candidates = append(candidates, scored{entry: e, score: cosine(queryVec, e.vector)})
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].entry.createdAt.After(candidates[j].entry.createdAt)
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	snippets := make([]memory.Snippet, 0, len(candidates))
	for _, c := range candidates {
		snippets = append(snippets, memory.Snippet{
			Text:      c.entry.text,
			Score:     c.score,
			SessionID: c.entry.sessionID,
			CreatedAt: c.entry.createdAt,
		})
	}
	return snippets, nil
}

// DeleteSession removes every entry indexed under sessionID for userID.
func (s *Store) DeleteSession(ctx context.Context, sessionID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.sessionID == sessionID && e.userID == userID {
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return nil
}

// embed turns text into a fixed-dimension vector via the hashing trick:
// each lowercased token's hash buckets +1/-1 into the vector, then the
// vector is L2-normalized. Deterministic and dependency-free, in the spirit
// of a cheap bag-of-words embedding.
func embed(text string) []float64 {
	vec := make([]float64, dimension)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv32(tok)
		idx := int(h % dimension)
		if (h>>8)%2 == 0 {
			vec[idx] += 1
		} else {
			vec[idx] -= 1
		}
	}
	normalize(vec)
	return vec
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

func normalize(vec []float64) {
	var sumSq float64
	for _, v := range vec {
		sumSq += v * v
	}
	if sumSq == 0 {
		return
	}
	norm := math.Sqrt(sumSq)
	for i := range vec {
		vec[i] /= norm
	}
}

func cosine(a, b []float64) float64 {
	var dot float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
	}
	return dot
}
