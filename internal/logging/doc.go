// Package logging provides the structured logger used across cognitd.
//
// The Logger wraps zap with context-aware methods. Every call pulls
// correlation fields out of the context: the OpenTelemetry trace and span
// IDs, and the conversation, decision and task identifiers attached by the
// orchestrator.
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	ctx = logging.WithConversationID(ctx, "conv-42")
//	logger.Info(ctx, "assembled prompt", zap.Int("tokens", n))
//
// Services that only need a plain *zap.Logger receive Underlying().
//
// Output goes to stdout, to an OpenTelemetry LoggerProvider through the
// otelzap bridge, or to both. Levels below error are sampled when sampling is
// enabled.
package logging
