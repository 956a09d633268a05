// Package toolexecutor registers and executes the gateway's tool catalog.
//
// Invariants:
// - Tool names are unique.
// - Arguments are schema-validated before a handler runs.
// - Every filesystem path is confined to the call's effective sandbox root.
// - PolicyExecutor never calls its inner executor for a denied tool.
//
// Usage:
//
//	local := toolexecutor.NewLocal(toolexecutor.LocalConfig{Roots: roots})
//	_ = toolexecutor.RegisterBuiltins(local, toolexecutor.BuiltinOptions{Shell: shell})
//	exec := toolexecutor.NewPolicyExecutor(toolexecutor.NewRoutingExecutor(local, targets, nil), policies, audit)
//	res := exec.Execute(ctx, toolexecutor.Call{Name: "echo", Args: map[string]any{"text": "hi"}}, execCtx, updates)
package toolexecutor
