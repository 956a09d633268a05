package toolexecutor

import "strings"

// ToolCategory represents a category of tools
type ToolCategory string

const (
	CategoryRead    ToolCategory = "read"
	CategoryWrite   ToolCategory = "write"
	CategoryShell   ToolCategory = "shell"
	CategoryWeb     ToolCategory = "web"
	CategoryMemory  ToolCategory = "memory"
	CategoryGeneral ToolCategory = "general"
)

// AllCategories returns all valid tool categories
func AllCategories() []ToolCategory {
	return []ToolCategory{
		CategoryRead,
		CategoryWrite,
		CategoryShell,
		CategoryWeb,
		CategoryMemory,
		CategoryGeneral,
	}
}

// IsValidCategory checks if a category is valid
func IsValidCategory(category string) bool {
	cat := ToolCategory(strings.ToLower(category))
	for _, valid := range AllCategories() {
		if cat == valid {
			return true
		}
	}
	return false
}

// highRiskTools is fixed; policy decides what high risk means per scope
var highRiskTools = map[string]bool{
	"bash.exec":          true,
	"http.request":       true,
	"file.write":         true,
	"memory.appendDaily": true,
}

// IsHighRisk reports whether tool falls under the policy's highRisk decision
func IsHighRisk(tool string) bool {
	return highRiskTools[tool]
}
