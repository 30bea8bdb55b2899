package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// Metadata keys stored alongside each fragment.
const (
	metaConversationID = "conversation_id"
	metaUserID         = "user_id"
	metaContentHash    = "content_hash"
	metaCreatedAt      = "created_at"
)

// ChromemConfig configures the in-process chromem backend.
type ChromemConfig struct {
	// Path enables on-disk persistence when non-empty. "~" is expanded.
	Path     string
	Compress bool
}

// ChromemBackend keeps one chromem collection per (conversation, user)
// bucket. Collection names are the user hash followed by the conversation
// hash, so user scopes resolve to a name prefix and conversation scopes to a
// suffix.
type ChromemBackend struct {
	db     *chromem.DB
	logger *zap.Logger
}

// NewChromemBackend opens an in-memory or persistent chromem database.
func NewChromemBackend(cfg ChromemConfig, logger *zap.Logger) (*ChromemBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		return &ChromemBackend{db: chromem.NewDB(), logger: logger}, nil
	}

	path, err := expandPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}
	db, err := chromem.NewPersistentDB(path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}
	logger.Info("chromem memory backend initialized",
		zap.String("path", path),
		zap.Bool("compress", cfg.Compress))
	return &ChromemBackend{db: db, logger: logger}, nil
}

// NewChromemBackendFromDB wraps an existing database.
func NewChromemBackendFromDB(db *chromem.DB, logger *zap.Logger) *ChromemBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromemBackend{db: db, logger: logger}
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func shortHash(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:n]
}

func userPrefix(userID string) string {
	return "frag_" + shortHash(userID, 16) + "_"
}

func conversationSuffix(conversationID string) string {
	return "_" + shortHash(conversationID, 32)
}

func collectionName(scope Scope) string {
	return userPrefix(scope.UserID) + shortHash(scope.ConversationID, 32)
}

// precomputedOnly is installed on collections; every document and query
// carries its own embedding.
func precomputedOnly(context.Context, string) ([]float32, error) {
	return nil, errors.New("memory: embeddings must be precomputed")
}

// collections returns the collections covered by scope.
func (b *ChromemBackend) collections(scope Scope) []*chromem.Collection {
	var match func(name string) bool
	switch {
	case scope.IsUserScope():
		prefix := userPrefix(scope.UserID)
		match = func(name string) bool { return strings.HasPrefix(name, prefix) }
	case scope.IsConversationScope():
		suffix := conversationSuffix(scope.ConversationID)
		match = func(name string) bool {
			return strings.HasPrefix(name, "frag_") && strings.HasSuffix(name, suffix)
		}
	default:
		if c := b.db.GetCollection(collectionName(scope), precomputedOnly); c != nil {
			return []*chromem.Collection{c}
		}
		return nil
	}
	var out []*chromem.Collection
	for name, c := range b.db.ListCollections() {
		if match(name) {
			out = append(out, c)
		}
	}
	return out
}

// Has reports whether the fragment exists.
func (b *ChromemBackend) Has(ctx context.Context, scope Scope, id string) (bool, error) {
	c := b.db.GetCollection(collectionName(scope), precomputedOnly)
	if c == nil {
		return false, nil
	}
	if _, err := c.GetByID(ctx, id); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	return true, nil
}

// Insert adds the fragment to its bucket, creating the collection on first
// write.
func (b *ChromemBackend) Insert(ctx context.Context, f Fragment) error {
	c, err := b.db.GetOrCreateCollection(collectionName(f.Scope), nil, precomputedOnly)
	if err != nil {
		return fmt.Errorf("getting collection: %w", err)
	}
	embedding := make([]float32, len(f.Embedding))
	copy(embedding, f.Embedding)
	doc := chromem.Document{
		ID:        f.ID,
		Content:   f.SourceText,
		Embedding: embedding,
		Metadata: map[string]string{
			metaConversationID: f.Scope.ConversationID,
			metaUserID:         f.Scope.UserID,
			metaContentHash:    f.ContentHash,
			metaCreatedAt:      f.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if err := c.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("adding document: %w", err)
	}
	return nil
}

// Query runs the similarity search in every collection of the scope and
// merges the results.
func (b *ChromemBackend) Query(ctx context.Context, vector []float32, scope Scope, n int) ([]Match, error) {
	var out []Match
	for _, c := range b.collections(scope) {
		count := c.Count()
		if count == 0 {
			continue
		}
		limit := n
		if limit > count {
			limit = count
		}
		results, err := c.QueryEmbedding(ctx, vector, limit, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("querying collection %s: %w", c.Name, err)
		}
		for _, r := range results {
			out = append(out, matchFromResult(r))
		}
	}
	SortMatches(out)
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func matchFromResult(r chromem.Result) Match {
	created, _ := time.Parse(time.RFC3339Nano, r.Metadata[metaCreatedAt])
	embedding := make([]float32, len(r.Embedding))
	copy(embedding, r.Embedding)
	return Match{
		Fragment: Fragment{
			ID:          r.ID,
			ContentHash: r.Metadata[metaContentHash],
			Embedding:   embedding,
			Scope: Scope{
				ConversationID: r.Metadata[metaConversationID],
				UserID:         r.Metadata[metaUserID],
			},
			SourceText: r.Content,
			CreatedAt:  created,
		},
		Score: float64(r.Similarity),
	}
}

// Count sums the documents of the scope's collections.
func (b *ChromemBackend) Count(_ context.Context, scope Scope) (int, error) {
	total := 0
	for _, c := range b.collections(scope) {
		total += c.Count()
	}
	return total, nil
}

// Delete drops the scope's collections.
func (b *ChromemBackend) Delete(_ context.Context, scope Scope) (int, error) {
	removed := 0
	for _, c := range b.collections(scope) {
		n := c.Count()
		if err := b.db.DeleteCollection(c.Name); err != nil {
			return removed, fmt.Errorf("deleting collection %s: %w", c.Name, err)
		}
		removed += n
	}
	return removed, nil
}

// Close is a no-op; persistent databases write through on every change.
func (b *ChromemBackend) Close() error { return nil }

var _ Backend = (*ChromemBackend)(nil)
