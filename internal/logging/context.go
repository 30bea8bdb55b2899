package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type conversationCtxKey struct{}
type decisionCtxKey struct{}
type taskTypeCtxKey struct{}
type requestCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := ConversationIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("conversation_id", id))
	}
	if id := DecisionIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("decision_id", id))
	}
	if tt := TaskTypeFromContext(ctx); tt != "" {
		fields = append(fields, zap.String("task_type", tt))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	return fields
}

// WithConversationID attaches a conversation ID to the context.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationCtxKey{}, id)
}

// ConversationIDFromContext returns the conversation ID, or "".
func ConversationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(conversationCtxKey{}).(string)
	return id
}

// WithDecisionID attaches a routing decision ID to the context.
func WithDecisionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, decisionCtxKey{}, id)
}

// DecisionIDFromContext returns the decision ID, or "".
func DecisionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(decisionCtxKey{}).(string)
	return id
}

// WithTaskType attaches a task type to the context.
func WithTaskType(ctx context.Context, taskType string) context.Context {
	return context.WithValue(ctx, taskTypeCtxKey{}, taskType)
}

// TaskTypeFromContext returns the task type, or "".
func TaskTypeFromContext(ctx context.Context) string {
	tt, _ := ctx.Value(taskTypeCtxKey{}).(string)
	return tt
}

// WithRequestID attaches a transport request ID to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the request ID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestCtxKey{}).(string)
	return id
}
