package memory

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentgw/pkg/toolexecutor"
)

func TestCandidates(t *testing.T) {
	tests := []struct {
		path string
		want []string
		code toolexecutor.ErrorCode
	}{
		{path: "", want: []string{"MEMORY.md", "memory.md", "memory/MEMORY.md"}},
		{path: "MEMORY.md", want: []string{"MEMORY.md", "memory.md", "memory/MEMORY.md"}},
		{path: "memory.md", want: []string{"MEMORY.md", "memory.md", "memory/MEMORY.md"}},
		{path: "./memory/MEMORY.md", want: []string{"MEMORY.md", "memory.md", "memory/MEMORY.md"}},
		{path: "memory/daily/2026-01-02.md", want: []string{"memory/daily/2026-01-02.md", "memory/2026-01-02.md"}},
		{path: "memory/2026-01-02.md", want: []string{"memory/daily/2026-01-02.md", "memory/2026-01-02.md"}},
		{path: "../../etc/passwd", code: toolexecutor.CodeSandboxViolation},
		{path: "memory/../../x.md", code: toolexecutor.CodeSandboxViolation},
		{path: "/etc/passwd", code: toolexecutor.CodeSandboxViolation},
		{path: "notes/other.md", code: toolexecutor.CodeInvalidArgs},
		{path: "memory/daily/2026-13-40.md", code: toolexecutor.CodeInvalidArgs},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := Candidates(tt.path)
			if tt.code != "" {
				var te *toolexecutor.ToolError
				require.True(t, errors.As(err, &te), "got %v", err)
				assert.Equal(t, tt.code, te.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateDate(t *testing.T) {
	assert.NoError(t, ValidateDate("2026-02-28"))
	assert.Error(t, ValidateDate("2026-2-28"))
	assert.Error(t, ValidateDate("2026-02-30"))
	assert.Error(t, ValidateDate("yesterday"))
}

func TestIsNotePath(t *testing.T) {
	assert.True(t, IsNotePath("MEMORY.md"))
	assert.True(t, IsNotePath("memory/daily/2026-01-01.md"))
	assert.True(t, IsNotePath("memory/topics/go.md"))
	assert.False(t, IsNotePath("notes.md"))
	assert.False(t, IsNotePath("memory/data.json"))
}

func TestFormatBullet(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	assert.Equal(t, "- 05:06:07 hello\n", formatBullet(at, "  hello  "))
	assert.Equal(t, "- 05:06:07 one\n  two\n", formatBullet(at, "one\r\ntwo"))
}
