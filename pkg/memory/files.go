package memory

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/harun/agentgw/pkg/toolexecutor"
)

const (
	// LongTermPath is where the long-term note is written
	LongTermPath = "MEMORY.md"
	dailyDir     = "memory/daily"
)

var (
	datePattern      = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dailyPattern     = regexp.MustCompile(`^memory/daily/(\d{4}-\d{2}-\d{2})\.md$`)
	legacyDailyPaths = regexp.MustCompile(`^memory/(\d{4}-\d{2}-\d{2})\.md$`)
	longTermAliases  = []string{LongTermPath, "memory.md", "memory/MEMORY.md"}
)

// ValidateDate checks a YYYY-MM-DD date
func ValidateDate(date string) error {
	if !datePattern.MatchString(date) {
		return toolexecutor.NewToolError(toolexecutor.CodeInvalidArgs, "date must match YYYY-MM-DD: %q", date)
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return toolexecutor.NewToolError(toolexecutor.CodeInvalidArgs, "invalid date: %q", date)
	}
	return nil
}

// DailyPath returns the canonical daily note path for date
func DailyPath(date string) string {
	return dailyDir + "/" + date + ".md"
}

// Candidates maps a requested note path onto the root-relative files to try,
// canonical location first. An empty path means the long-term note.
func Candidates(p string) ([]string, error) {
	if strings.ContainsRune(p, 0) {
		return nil, toolexecutor.NewToolError(toolexecutor.CodeSandboxViolation, "path contains null byte")
	}
	if p == "" {
		return append([]string(nil), longTermAliases...), nil
	}

	slashed := strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(slashed, "/") || containsDotDot(slashed) {
		return nil, toolexecutor.NewToolError(toolexecutor.CodeSandboxViolation, "memory path escapes the sandbox: %s", p)
	}
	clean := path.Clean(strings.TrimPrefix(slashed, "./"))

	for _, alias := range longTermAliases {
		if clean == alias {
			return append([]string(nil), longTermAliases...), nil
		}
	}

	if m := dailyPattern.FindStringSubmatch(clean); m != nil {
		if err := ValidateDate(m[1]); err != nil {
			return nil, err
		}
		return []string{DailyPath(m[1]), "memory/" + m[1] + ".md"}, nil
	}
	if m := legacyDailyPaths.FindStringSubmatch(clean); m != nil {
		if err := ValidateDate(m[1]); err != nil {
			return nil, err
		}
		return []string{DailyPath(m[1]), clean}, nil
	}

	return nil, toolexecutor.NewToolError(toolexecutor.CodeInvalidArgs,
		"unsupported memory path %q (use MEMORY.md or memory/daily/YYYY-MM-DD.md)", p)
}

// IsNotePath reports whether a root-relative slash path is a memory note
func IsNotePath(rel string) bool {
	for _, alias := range longTermAliases {
		if rel == alias {
			return true
		}
	}
	return strings.HasPrefix(rel, "memory/") && strings.HasSuffix(strings.ToLower(rel), ".md")
}

func containsDotDot(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

func formatBullet(at time.Time, content string) string {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], "\r ")
	}
	return fmt.Sprintf("- %s %s\n", at.Format("15:04:05"), strings.Join(lines, "\n  "))
}
