package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveRoot(t *testing.T) {
	base := t.TempDir()
	def := filepath.Join(base, "default")
	cfg := Config{BaseRoot: base, DefaultRoot: def}

	tests := []struct {
		name  string
		scope Scope
		want  string
		err   error
	}{
		{
			name:  "explicit root wins",
			scope: Scope{Root: filepath.Join(base, "explicit"), TenantID: "t", WorkspaceID: "w"},
			want:  filepath.Join(base, "explicit"),
		},
		{
			name:  "user namespace by default when user present",
			scope: Scope{TenantID: "t1", WorkspaceID: "w1", UserID: "u1"},
			want:  filepath.Join(base, "tenants", "t1", "workspaces", "w1", "users", "u1"),
		},
		{
			name:  "workspace namespace by default without user",
			scope: Scope{TenantID: "t1", WorkspaceID: "w1"},
			want:  filepath.Join(base, "tenants", "t1", "workspaces", "w1", "shared"),
		},
		{
			name:  "explicit workspace namespace ignores user",
			scope: Scope{TenantID: "t1", WorkspaceID: "w1", UserID: "u1", Namespace: NamespaceWorkspace},
			want:  filepath.Join(base, "tenants", "t1", "workspaces", "w1", "shared"),
		},
		{
			name:  "user namespace requires user",
			scope: Scope{TenantID: "t1", WorkspaceID: "w1", Namespace: NamespaceUser},
			err:   ErrUserRequired,
		},
		{
			name:  "unknown namespace",
			scope: Scope{TenantID: "t1", WorkspaceID: "w1", Namespace: "team"},
			err:   ErrInvalidNamespace,
		},
		{
			name:  "traversal in tenant",
			scope: Scope{TenantID: "..", WorkspaceID: "w1"},
			err:   ErrSandboxViolation,
		},
		{
			name:  "separator in workspace",
			scope: Scope{TenantID: "t1", WorkspaceID: "a/b"},
			err:   ErrSandboxViolation,
		},
		{
			name:  "nul in user",
			scope: Scope{TenantID: "t1", WorkspaceID: "w1", UserID: "u\x00"},
			err:   ErrSandboxViolation,
		},
		{
			name:  "falls back to default root",
			scope: Scope{TenantID: "t1"},
			want:  def,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cfg.EffectiveRoot(tt.scope)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEffectiveRoot_NoDefault(t *testing.T) {
	_, err := Config{}.EffectiveRoot(Scope{})
	assert.ErrorIs(t, err, ErrNoRoot)
}

func TestResolve(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))

	tests := []struct {
		name    string
		path    string
		want    string
		violate bool
	}{
		{name: "relative file", path: "a.txt", want: filepath.Join(root, "a.txt")},
		{name: "nested missing", path: "x/y/z.txt", want: filepath.Join(root, "x", "y", "z.txt")},
		{name: "dot", path: ".", want: root},
		{name: "inner dotdot", path: "sub/../a.txt", want: filepath.Join(root, "a.txt")},
		{name: "absolute inside", path: filepath.Join(root, "sub"), want: filepath.Join(root, "sub")},
		{name: "escape", path: "../outside.txt", violate: true},
		{name: "deep escape", path: "sub/../../etc/passwd", violate: true},
		{name: "absolute outside", path: "/etc/passwd", violate: true},
		{name: "nul byte", path: "a\x00b", violate: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(root, tt.path)
			if tt.violate {
				require.ErrorIs(t, err, ErrSandboxViolation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_SymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0644))

	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	_, err := Resolve(root, "link/secret.txt")
	assert.ErrorIs(t, err, ErrSandboxViolation)

	_, err = Resolve(root, "link/new/file.txt")
	assert.ErrorIs(t, err, ErrSandboxViolation)
}

func TestResolve_SymlinkInside(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "real"), 0755))
	if err := os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "alias")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	got, err := Resolve(root, "alias/file.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "alias", "file.txt"), got)
}

func TestResolve_MissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "not-yet")

	got, err := Resolve(root, "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "b.txt"), got)

	_, err = Resolve(root, "../x")
	assert.ErrorIs(t, err, ErrSandboxViolation)
}

func TestRel(t *testing.T) {
	root := t.TempDir()
	assert.Equal(t, "a/b.txt", Rel(root, filepath.Join(root, "a", "b.txt")))
	assert.Equal(t, ".", Rel(root, root))
}

func TestEnsureRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, EnsureRoot(root))
	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
