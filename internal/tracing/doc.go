// Package tracing carries request-scoped identifiers (trace, run, session,
// tenant, request) through context.Context and wraps OpenTelemetry span
// creation for the gateway, agent engine and tool executor.
//
// Usage:
//
//	ctx, span := tracing.StartSpan(ctx, "agentgw.agent", "agent.run",
//		attribute.String("run_id", runID))
//	defer span.End()
//	logger := tracing.LoggerFromContext(ctx, baseLogger)
package tracing
