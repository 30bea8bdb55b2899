package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/fyrsmithlabs/cognitd/internal/provider"
)

// Payload keys.
const (
	payloadText           = "text"
	payloadConversationID = metaConversationID
	payloadUserID         = metaUserID
	payloadContentHash    = metaContentHash
	payloadCreatedAt      = metaCreatedAt
)

// QdrantConfig configures the Qdrant gRPC backend.
type QdrantConfig struct {
	Host           string
	Port           int
	APIKey         string
	UseTLS         bool
	CollectionName string
	// VectorSize must match the embedder output.
	VectorSize uint64

	MaxRetries              int
	RetryBackoff            time.Duration
	MaxMessageSize          int
	CircuitBreakerThreshold int
}

// ApplyDefaults fills unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.CollectionName == "" {
		c.CollectionName = "cognitd_fragments"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
}

// Validate checks the configuration.
func (c QdrantConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("qdrant: invalid port %d", c.Port)
	}
	if c.VectorSize == 0 {
		return errors.New("qdrant: vector size required")
	}
	return nil
}

// qdrantClient is the subset of *qdrant.Client used by the backend.
type qdrantClient interface {
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	CreateFieldIndex(ctx context.Context, request *qdrant.CreateFieldIndexCollection) (*qdrant.UpdateResult, error)
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Get(ctx context.Context, request *qdrant.GetPoints) ([]*qdrant.RetrievedPoint, error)
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Count(ctx context.Context, request *qdrant.CountPoints) (uint64, error)
	Delete(ctx context.Context, request *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Close() error
}

// QdrantBackend keeps all fragments in one collection and scopes every
// request with payload filters.
type QdrantBackend struct {
	client qdrantClient
	cfg    QdrantConfig
	logger *zap.Logger

	ensureMu sync.Mutex
	ensured  bool

	breakerMu sync.Mutex
	failures  int
	lastFail  time.Time
}

// NewQdrantBackend connects to Qdrant and performs a health check.
func NewQdrantBackend(ctx context.Context, cfg QdrantConfig, logger *zap.Logger) (*QdrantBackend, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	b := newQdrantBackend(client, cfg, logger)
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(hctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("qdrant health check: %w", err)
	}
	return b, nil
}

func newQdrantBackend(client qdrantClient, cfg QdrantConfig, logger *zap.Logger) *QdrantBackend {
	return &QdrantBackend{client: client, cfg: cfg, logger: logger}
}

// scopeFilter restricts a request to the scope's payload. Empty scope
// fields add no condition.
func scopeFilter(scope Scope) *qdrant.Filter {
	var must []*qdrant.Condition
	if scope.UserID != "" {
		must = append(must, keywordCondition(payloadUserID, scope.UserID))
	}
	if scope.ConversationID != "" {
		must = append(must, keywordCondition(payloadConversationID, scope.ConversationID))
	}
	return &qdrant.Filter{Must: must}
}

func keywordCondition(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: key,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

// ensureCollection creates the collection and its keyword indexes once.
func (b *QdrantBackend) ensureCollection(ctx context.Context) error {
	b.ensureMu.Lock()
	defer b.ensureMu.Unlock()
	if b.ensured {
		return nil
	}

	var exists bool
	if err := b.retry(ctx, "collection_exists", func() error {
		var err error
		exists, err = b.client.CollectionExists(ctx, b.cfg.CollectionName)
		return err
	}); err != nil {
		return err
	}
	if !exists {
		if err := b.retry(ctx, "create_collection", func() error {
			return b.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: b.cfg.CollectionName,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     b.cfg.VectorSize,
					Distance: qdrant.Distance_Cosine,
				}),
			})
		}); err != nil {
			return err
		}
		for _, field := range []string{payloadConversationID, payloadUserID} {
			if _, err := b.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: b.cfg.CollectionName,
				FieldName:      field,
				FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
			}); err != nil {
				b.logger.Warn("creating payload index failed", zap.String("field", field), zap.Error(err))
			}
		}
		b.logger.Info("qdrant collection created",
			zap.String("collection", b.cfg.CollectionName),
			zap.Uint64("vector_size", b.cfg.VectorSize))
	}
	b.ensured = true
	return nil
}

// Has looks the point up by ID and checks it belongs to scope.
func (b *QdrantBackend) Has(ctx context.Context, scope Scope, id string) (bool, error) {
	if err := b.ensureCollection(ctx); err != nil {
		return false, err
	}
	var points []*qdrant.RetrievedPoint
	err := b.retry(ctx, "get", func() error {
		var err error
		points, err = b.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: b.cfg.CollectionName,
			Ids:            []*qdrant.PointId{qdrant.NewIDUUID(id)},
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return err
	})
	if err != nil {
		return false, err
	}
	for _, p := range points {
		if p.GetPayload()[payloadConversationID].GetStringValue() == scope.ConversationID &&
			p.GetPayload()[payloadUserID].GetStringValue() == scope.UserID {
			return true, nil
		}
	}
	return false, nil
}

// Insert upserts the point and waits for it to be indexed.
func (b *QdrantBackend) Insert(ctx context.Context, f Fragment) error {
	if uint64(len(f.Embedding)) != b.cfg.VectorSize {
		return fmt.Errorf("%w: embedding has %d dimensions, collection expects %d",
			ErrInvalidFragment, len(f.Embedding), b.cfg.VectorSize)
	}
	if err := b.ensureCollection(ctx); err != nil {
		return err
	}
	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(f.ID),
		Vectors: qdrant.NewVectors(f.Embedding...),
		Payload: map[string]*qdrant.Value{
			payloadText:           stringValue(f.SourceText),
			payloadConversationID: stringValue(f.Scope.ConversationID),
			payloadUserID:         stringValue(f.Scope.UserID),
			payloadContentHash:    stringValue(f.ContentHash),
			payloadCreatedAt:      stringValue(f.CreatedAt.UTC().Format(time.RFC3339Nano)),
		},
	}
	return b.retry(ctx, "upsert", func() error {
		_, err := b.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: b.cfg.CollectionName,
			Wait:           qdrant.PtrOf(true),
			Points:         []*qdrant.PointStruct{point},
		})
		return err
	})
}

// Query runs a filtered nearest-neighbour search.
func (b *QdrantBackend) Query(ctx context.Context, vector []float32, scope Scope, n int) ([]Match, error) {
	if err := b.ensureCollection(ctx); err != nil {
		return nil, err
	}
	var points []*qdrant.ScoredPoint
	err := b.retry(ctx, "query", func() error {
		var err error
		points, err = b.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: b.cfg.CollectionName,
			Query:          qdrant.NewQuery(vector...),
			Filter:         scopeFilter(scope),
			Limit:          qdrant.PtrOf(uint64(n)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]Match, 0, len(points))
	for _, p := range points {
		payload := p.GetPayload()
		created, _ := time.Parse(time.RFC3339Nano, payload[payloadCreatedAt].GetStringValue())
		out = append(out, Match{
			Fragment: Fragment{
				ID:          p.GetId().GetUuid(),
				ContentHash: payload[payloadContentHash].GetStringValue(),
				Scope: Scope{
					ConversationID: payload[payloadConversationID].GetStringValue(),
					UserID:         payload[payloadUserID].GetStringValue(),
				},
				SourceText: payload[payloadText].GetStringValue(),
				CreatedAt:  created,
			},
			Score: float64(p.GetScore()),
		})
	}
	return out, nil
}

// Count returns the exact number of points in scope.
func (b *QdrantBackend) Count(ctx context.Context, scope Scope) (int, error) {
	if err := b.ensureCollection(ctx); err != nil {
		return 0, err
	}
	var n uint64
	err := b.retry(ctx, "count", func() error {
		var err error
		n, err = b.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: b.cfg.CollectionName,
			Filter:         scopeFilter(scope),
			Exact:          qdrant.PtrOf(true),
		})
		return err
	})
	return int(n), err
}

// Delete removes every point matching the scope filter.
func (b *QdrantBackend) Delete(ctx context.Context, scope Scope) (int, error) {
	n, err := b.Count(ctx, scope)
	if err != nil || n == 0 {
		return 0, err
	}
	err = b.retry(ctx, "delete", func() error {
		_, err := b.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: b.cfg.CollectionName,
			Wait:           qdrant.PtrOf(true),
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: scopeFilter(scope)},
			},
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Close closes the gRPC connection.
func (b *QdrantBackend) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

// retry runs op with exponential backoff on transient errors and trips a
// circuit breaker after repeated failures.
func (b *QdrantBackend) retry(ctx context.Context, name string, op func() error) error {
	backoff := b.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		if b.circuitOpen() {
			return fmt.Errorf("qdrant %s: circuit breaker open", name)
		}
		err := op()
		if err == nil {
			b.resetBreaker()
			return nil
		}
		if !provider.IsTransient(err) {
			return fmt.Errorf("qdrant %s failed (permanent): %w", name, err)
		}
		b.recordFailure()
		if attempt >= b.cfg.MaxRetries {
			return fmt.Errorf("qdrant %s failed after %d retries: %w", name, b.cfg.MaxRetries, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("qdrant %s canceled: %w", name, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func (b *QdrantBackend) recordFailure() {
	b.breakerMu.Lock()
	defer b.breakerMu.Unlock()
	b.failures++
	b.lastFail = time.Now()
}

func (b *QdrantBackend) resetBreaker() {
	b.breakerMu.Lock()
	defer b.breakerMu.Unlock()
	b.failures = 0
}

func (b *QdrantBackend) circuitOpen() bool {
	b.breakerMu.Lock()
	defer b.breakerMu.Unlock()
	if b.failures >= b.cfg.CircuitBreakerThreshold {
		if time.Since(b.lastFail) > 30*time.Second {
			b.failures = 0
			return false
		}
		return true
	}
	return false
}

var _ Backend = (*QdrantBackend)(nil)
