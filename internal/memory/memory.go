// Package memory stores embedded conversation fragments and retrieves them
// by cosine similarity within an owner scope.
//
// A fragment is identified by its scope and the SHA-256 of its normalized
// text, so writing the same text twice into one scope is a no-op. Search and
// purge are serialized through a store-level read/write lock: a purge never
// interleaves with an in-flight search.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cognitd/internal/textutil"
)

const instrumentationName = "github.com/fyrsmithlabs/cognitd/internal/memory"

var (
	// ErrInvalidScope is returned when a scope names neither a conversation
	// nor a user, or when a write targets a user-only scope.
	ErrInvalidScope = errors.New("invalid scope")

	// ErrInvalidFragment is returned for fragments without text or embedding.
	ErrInvalidFragment = errors.New("invalid fragment")

	// ErrInvalidQuery is returned for empty query vectors or k < 1.
	ErrInvalidQuery = errors.New("invalid query")
)

// fragmentNamespace seeds the UUIDv5 fragment IDs.
var fragmentNamespace = uuid.MustParse("6f1c7a52-93f4-4d0e-9a51-2c8f0e4b7d13")

// Scope restricts reads and writes.
//
// Writes go to exactly one (conversation, user) bucket; UserID may be empty
// for anonymous conversations. Reads and purges widen empty fields: a scope
// with only a ConversationID covers every bucket of that conversation, and a
// scope with only a UserID covers every conversation of that user. Upsert
// requires a ConversationID.
type Scope struct {
	ConversationID string
	UserID         string
}

// IsUserScope reports whether the scope spans all conversations of a user.
func (s Scope) IsUserScope() bool {
	return s.ConversationID == "" && s.UserID != ""
}

// IsConversationScope reports whether the scope spans every user bucket of
// a conversation when read or purged.
func (s Scope) IsConversationScope() bool {
	return s.ConversationID != "" && s.UserID == ""
}

// Validate checks that the scope names something.
func (s Scope) Validate() error {
	if s.ConversationID == "" && s.UserID == "" {
		return fmt.Errorf("%w: conversation_id or user_id required", ErrInvalidScope)
	}
	return nil
}

func (s Scope) String() string {
	if s.IsUserScope() {
		return "user:" + s.UserID
	}
	if s.IsConversationScope() {
		return "conversation:" + s.ConversationID
	}
	return "conversation:" + s.ConversationID + "/user:" + s.UserID
}

// Fragment is one stored unit of memory.
type Fragment struct {
	ID          string
	ContentHash string
	Embedding   []float32
	Scope       Scope
	SourceText  string
	CreatedAt   time.Time
}

// Match is a fragment returned by Search with its cosine similarity.
type Match struct {
	Fragment
	Score float64
}

// UpsertResult reports the fragment ID and whether a new fragment was
// written. Created is false when the scope already held the same text.
type UpsertResult struct {
	ID      string
	Created bool
}

// ScopeNotFoundError is returned by Search and Purge when the scope holds no
// fragments.
type ScopeNotFoundError struct {
	Scope Scope
}

func (e *ScopeNotFoundError) Error() string {
	return fmt.Sprintf("memory: no fragments in scope %s", e.Scope)
}

// FragmentID derives the deterministic fragment ID for a scope and content
// hash.
func FragmentID(scope Scope, contentHash string) string {
	return uuid.NewSHA1(fragmentNamespace, []byte(scope.ConversationID+"\x1f"+scope.UserID+"\x1f"+contentHash)).String()
}

// Backend is the vector index behind a Store. Implementations only need to
// be safe for concurrent use; deduplication, ranking and purge atomicity are
// handled by the Store.
type Backend interface {
	// Has reports whether a fragment with the given ID exists in the exact
	// bucket named by scope.
	Has(ctx context.Context, scope Scope, id string) (bool, error)
	// Insert writes a fragment. Writing an existing ID overwrites it.
	Insert(ctx context.Context, f Fragment) error
	// Query returns up to n fragments in scope ordered by similarity. It
	// returns an empty slice when the scope holds no fragments. Scopes with
	// an empty field are widened as described on Scope.
	Query(ctx context.Context, vector []float32, scope Scope, n int) ([]Match, error)
	// Count returns the number of fragments in scope.
	Count(ctx context.Context, scope Scope) (int, error)
	// Delete removes every fragment in scope and returns how many were removed.
	Delete(ctx context.Context, scope Scope) (int, error)
	// Close releases backend resources.
	Close() error
}

// Config tunes retrieval.
type Config struct {
	// NearDuplicateThreshold is the token Jaccard similarity at or above
	// which two results are considered the same memory.
	NearDuplicateThreshold float64
	// Oversample multiplies k when querying the backend so near-duplicate
	// suppression can still fill k results.
	Oversample int
}

// DefaultConfig returns the default retrieval settings.
func DefaultConfig() Config {
	return Config{NearDuplicateThreshold: 0.85, Oversample: 3}
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the clock used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the scoped, deduplicating vector memory.
type Store struct {
	backend Backend
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
	tracer  trace.Tracer

	// mu is held for reading by Upsert and Search and for writing by Purge.
	mu sync.RWMutex

	writeMu    sync.Mutex
	writeLocks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Store over the given backend.
func New(backend Backend, cfg Config, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("memory: backend required")
	}
	if cfg.NearDuplicateThreshold <= 0 || cfg.NearDuplicateThreshold > 1 {
		return nil, fmt.Errorf("memory: near_duplicate_threshold must be in (0,1], got %v", cfg.NearDuplicateThreshold)
	}
	if cfg.Oversample < 1 {
		cfg.Oversample = 1
	}
	s := &Store{
		backend:    backend,
		cfg:        cfg,
		logger:     zap.NewNop(),
		now:        time.Now,
		tracer:     otel.Tracer(instrumentationName),
		writeLocks: make(map[string]*keyLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Upsert writes a fragment unless the scope already holds the same
// normalized text. ID and ContentHash are derived; CreatedAt defaults to now.
func (s *Store) Upsert(ctx context.Context, f Fragment) (UpsertResult, error) {
	ctx, span := s.tracer.Start(ctx, "memory.Upsert")
	defer span.End()

	if err := f.Scope.Validate(); err != nil {
		return UpsertResult{}, err
	}
	if f.Scope.ConversationID == "" {
		return UpsertResult{}, fmt.Errorf("%w: upsert requires a conversation", ErrInvalidScope)
	}
	if textutil.Normalize(f.SourceText) == "" || len(f.Embedding) == 0 {
		return UpsertResult{}, fmt.Errorf("%w: text and embedding required", ErrInvalidFragment)
	}

	f.ContentHash = textutil.Hash(f.SourceText)
	f.ID = FragmentID(f.Scope, f.ContentHash)
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now().UTC()
	}
	span.SetAttributes(attribute.String("fragment.id", f.ID))

	s.mu.RLock()
	defer s.mu.RUnlock()

	unlock := s.lockKey(f.ID)
	defer unlock()

	exists, err := s.backend.Has(ctx, f.Scope, f.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup failed")
		return UpsertResult{}, fmt.Errorf("checking fragment: %w", err)
	}
	if exists {
		s.logger.Debug("duplicate fragment write skipped",
			zap.String("fragment_id", f.ID),
			zap.String("scope", f.Scope.String()))
		return UpsertResult{ID: f.ID, Created: false}, nil
	}

	if err := s.backend.Insert(ctx, f); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return UpsertResult{}, fmt.Errorf("inserting fragment: %w", err)
	}
	return UpsertResult{ID: f.ID, Created: true}, nil
}

// Search returns up to k fragments in scope with similarity ≥ minScore,
// highest first, ties broken newest first, with near-duplicates collapsed
// onto their highest-scored member.
func (s *Store) Search(ctx context.Context, vector []float32, scope Scope, k int, minScore float64) ([]Match, error) {
	ctx, span := s.tracer.Start(ctx, "memory.Search")
	defer span.End()

	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if len(vector) == 0 || k < 1 {
		return nil, fmt.Errorf("%w: vector and k >= 1 required", ErrInvalidQuery)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n, err := s.backend.Count(ctx, scope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "count failed")
		return nil, fmt.Errorf("counting scope: %w", err)
	}
	if n == 0 {
		return nil, &ScopeNotFoundError{Scope: scope}
	}

	want := k * s.cfg.Oversample
	if want > n {
		want = n
	}
	raw, err := s.backend.Query(ctx, vector, scope, want)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, fmt.Errorf("querying scope: %w", err)
	}

	filtered := raw[:0]
	for _, m := range raw {
		if m.Score >= minScore {
			filtered = append(filtered, m)
		}
	}
	SortMatches(filtered)
	out := SuppressNearDuplicates(filtered, s.cfg.NearDuplicateThreshold)
	if len(out) > k {
		out = out[:k]
	}
	span.SetAttributes(attribute.Int("memory.results", len(out)))
	return out, nil
}

// Purge hard-deletes every fragment in scope and returns the number removed.
func (s *Store) Purge(ctx context.Context, scope Scope) (int, error) {
	ctx, span := s.tracer.Start(ctx, "memory.Purge")
	defer span.End()

	if err := scope.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed, err := s.backend.Delete(ctx, scope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		return 0, fmt.Errorf("purging scope: %w", err)
	}
	if removed == 0 {
		return 0, &ScopeNotFoundError{Scope: scope}
	}
	s.logger.Info("memory scope purged",
		zap.String("scope", scope.String()),
		zap.Int("fragments", removed))
	return removed, nil
}

// Count returns the number of fragments in scope.
func (s *Store) Count(ctx context.Context, scope Scope) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend.Count(ctx, scope)
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) lockKey(key string) func() {
	s.writeMu.Lock()
	l, ok := s.writeLocks[key]
	if !ok {
		l = &keyLock{}
		s.writeLocks[key] = l
	}
	l.refs++
	s.writeMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.writeMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.writeLocks, key)
		}
		s.writeMu.Unlock()
	}
}

// SortMatches orders by score descending, then newest first, then ID.
func SortMatches(ms []Match) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Score != ms[j].Score {
			return ms[i].Score > ms[j].Score
		}
		if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].CreatedAt.After(ms[j].CreatedAt)
		}
		return ms[i].ID < ms[j].ID
	})
}

// SuppressNearDuplicates drops every match whose token Jaccard similarity to
// an earlier kept match is at least threshold. Input must already be sorted.
func SuppressNearDuplicates(ms []Match, threshold float64) []Match {
	out := make([]Match, 0, len(ms))
	kept := make([]map[string]struct{}, 0, len(ms))
	for _, m := range ms {
		terms := textutil.Set(textutil.Words(m.SourceText))
		dup := false
		for _, k := range kept {
			if textutil.Jaccard(terms, k) >= threshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		kept = append(kept, terms)
		out = append(out, m)
	}
	return out
}
