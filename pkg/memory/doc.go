// Package memory manages the markdown memory notes kept under each sandbox
// root and exposes them as the memory.* tools.
//
// Layout (root-relative):
//
//	MEMORY.md                     long-term note
//	memory/daily/YYYY-MM-DD.md    daily notes
//
// Legacy locations (memory.md, memory/MEMORY.md, memory/YYYY-MM-DD.md) are
// read as fallbacks but never written.
//
// Usage:
//
//	mgr, _ := memory.NewManager(memory.Config{})
//	defer mgr.Close()
//	_ = memory.RegisterMemoryTools(local, mgr)
package memory
