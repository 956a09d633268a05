// Package agent executes runs: a directive interpreter or a model tool loop
// that emits a strictly ordered event stream per run.
//
// Invariants:
// - Every run emits accepted first and exactly one of completed or failed last.
// - Tool calls route through toolexecutor only.
// - The Runner appends every event to the session transcript before it is emitted.
// - Memory flushes run on a per-session commandqueue lane and never block a run.
//
// Usage:
//
//	engine, _ := agent.NewEngine(agent.EngineConfig{Executor: exec})
//	runner, _ := agent.NewRunner(agent.Config{Engine: engine, Sessions: s, Transcripts: t, Queue: q})
//	result, sess, err := runner.Run(ctx, agent.RunParams{
//		RunID:     "run-1",
//		SessionID: "sess-1",
//		Input:     `sum [[tool:math.add {"a":2,"b":3}]]`,
//	}, emit)
package agent
