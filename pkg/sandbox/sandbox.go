package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Namespace selects a per-user or per-workspace root
type Namespace string

const (
	NamespaceUser      Namespace = "user"
	NamespaceWorkspace Namespace = "workspace"
)

// Config holds the process-wide roots
type Config struct {
	// BaseRoot anchors tenant/workspace/user roots
	BaseRoot string `json:"base_root"`

	// DefaultRoot is used when a call carries no scope
	DefaultRoot string `json:"default_root"`
}

// Scope carries the fields of a call that pick its root
type Scope struct {
	Root        string
	Namespace   Namespace
	TenantID    string
	WorkspaceID string
	UserID      string
}

// EffectiveRoot derives the root a call is confined to:
// an explicit root, else a tenant/workspace scoped root, else the default root.
// It reads only its arguments and is safe for concurrent use.
func (c Config) EffectiveRoot(s Scope) (string, error) {
	if s.Root != "" {
		return filepath.Abs(s.Root)
	}

	if s.TenantID != "" && s.WorkspaceID != "" && c.BaseRoot != "" {
		if err := validateSegment("tenant", s.TenantID); err != nil {
			return "", err
		}
		if err := validateSegment("workspace", s.WorkspaceID); err != nil {
			return "", err
		}

		ns := s.Namespace
		if ns == "" {
			ns = NamespaceWorkspace
			if s.UserID != "" {
				ns = NamespaceUser
			}
		}

		base, err := filepath.Abs(c.BaseRoot)
		if err != nil {
			return "", err
		}
		wsRoot := filepath.Join(base, "tenants", s.TenantID, "workspaces", s.WorkspaceID)

		switch ns {
		case NamespaceUser:
			if s.UserID == "" {
				return "", ErrUserRequired
			}
			if err := validateSegment("user", s.UserID); err != nil {
				return "", err
			}
			return filepath.Join(wsRoot, "users", s.UserID), nil
		case NamespaceWorkspace:
			return filepath.Join(wsRoot, "shared"), nil
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidNamespace, ns)
		}
	}

	if c.DefaultRoot == "" {
		return "", ErrNoRoot
	}
	return filepath.Abs(c.DefaultRoot)
}

func validateSegment(kind, seg string) error {
	if seg == "." || strings.Contains(seg, "..") || strings.ContainsAny(seg, "/\\\x00") {
		return fmt.Errorf("%w: invalid %s segment %q", ErrSandboxViolation, kind, seg)
	}
	return nil
}

// EnsureRoot creates root if it does not exist
func EnsureRoot(root string) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("failed to create sandbox root: %w", err)
	}
	return nil
}

// Resolve maps p onto root. Relative paths are joined to root; absolute paths
// are taken as-is. The result must stay inside root both lexically and after
// following symlinks of its deepest existing ancestor. Escapes are rejected,
// never clamped.
func Resolve(root, p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: path contains null byte", ErrSandboxViolation)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}

	var target string
	if filepath.IsAbs(p) {
		target = filepath.Clean(p)
	} else {
		target = filepath.Join(absRoot, p)
	}

	if !within(absRoot, target) {
		return "", fmt.Errorf("%w: %s escapes %s", ErrSandboxViolation, p, absRoot)
	}

	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			// nothing under a missing root can be a symlink
			return target, nil
		}
		return "", err
	}

	existing := target
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}

	realExisting, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSandboxViolation, err)
	}
	if !within(realRoot, realExisting) {
		return "", fmt.Errorf("%w: %s resolves outside %s", ErrSandboxViolation, p, absRoot)
	}

	return target, nil
}

// Rel returns abs relative to root with forward slashes
func Rel(root, abs string) string {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
