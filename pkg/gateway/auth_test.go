package gateway

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentgw/pkg/protocol"
)

func TestAuthenticator_IssueAndVerify(t *testing.T) {
	auth := NewAuthenticator("test-secret", time.Hour)
	require.False(t, auth.DevMode())

	t.Run("should round trip a principal", func(t *testing.T) {
		token, err := auth.Issue(Principal{TenantID: "t1", WorkspaceID: "w1", UserID: "u1", Scopes: []string{ScopeAdmin}})
		require.NoError(t, err)

		p, err := auth.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, "t1", p.TenantID)
		assert.Equal(t, "w1", p.WorkspaceID)
		assert.Equal(t, "u1", p.UserID)
		assert.True(t, p.Admin())
	})

	t.Run("should reject a token signed with another secret", func(t *testing.T) {
		other := NewAuthenticator("other-secret", time.Hour)
		token, err := other.Issue(Principal{TenantID: "t1", WorkspaceID: "w1"})
		require.NoError(t, err)

		_, err = auth.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject an expired token", func(t *testing.T) {
		claims := Claims{
			TenantID:    "t1",
			WorkspaceID: "w1",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		require.NoError(t, err)

		_, err = auth.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should require tenant and workspace", func(t *testing.T) {
		_, err := auth.Issue(Principal{TenantID: "t1"})
		assert.Error(t, err)
	})
}

func TestAuthenticator_DevMode(t *testing.T) {
	auth := NewAuthenticator("", 0)
	require.True(t, auth.DevMode())

	t.Run("should grant admin to named scope", func(t *testing.T) {
		p, perr := auth.Authenticate(ConnectParams{TenantID: "t1", WorkspaceID: "w1", UserID: "u1"})
		require.Nil(t, perr)
		assert.True(t, p.Admin())
		assert.Equal(t, "u1", p.UserID)
	})

	t.Run("should require tenant and workspace", func(t *testing.T) {
		_, perr := auth.Authenticate(ConnectParams{TenantID: "t1"})
		require.NotNil(t, perr)
		assert.Equal(t, protocol.CodeAuthRequired, perr.Code)
	})

	t.Run("should reject path-like segments", func(t *testing.T) {
		_, perr := auth.Authenticate(ConnectParams{TenantID: "..", WorkspaceID: "w1"})
		require.NotNil(t, perr)
		assert.Equal(t, protocol.CodeInvalidRequest, perr.Code)
	})

	t.Run("should refuse to issue tokens", func(t *testing.T) {
		_, err := auth.Issue(Principal{TenantID: "t1", WorkspaceID: "w1"})
		assert.ErrorIs(t, err, ErrAuthDisabled)
	})
}

func TestAuthenticator_Authenticate(t *testing.T) {
	auth := NewAuthenticator("test-secret", time.Hour)
	token, err := auth.Issue(Principal{TenantID: "t1", WorkspaceID: "w1", UserID: "u1"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		params ConnectParams
		code   protocol.ErrorCode
	}{
		{name: "missing token", params: ConnectParams{TenantID: "t1", WorkspaceID: "w1"}, code: protocol.CodeAuthRequired},
		{name: "garbage token", params: ConnectParams{Token: "not-a-jwt"}, code: protocol.CodeUnauthorized},
		{name: "tenant mismatch", params: ConnectParams{Token: token, TenantID: "t2"}, code: protocol.CodeTenantScopeMismatch},
		{name: "workspace mismatch", params: ConnectParams{Token: token, TenantID: "t1", WorkspaceID: "w2"}, code: protocol.CodeWorkspaceScopeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, perr := auth.Authenticate(tt.params)
			require.NotNil(t, perr)
			assert.Equal(t, tt.code, perr.Code)
		})
	}

	t.Run("should accept matching params", func(t *testing.T) {
		p, perr := auth.Authenticate(ConnectParams{Token: token, TenantID: "t1", WorkspaceID: "w1"})
		require.Nil(t, perr)
		assert.False(t, p.Admin())
	})
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken(""))
}
