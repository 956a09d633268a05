package gateway

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/harun/agentgw/pkg/protocol"
)

// ScopeAdmin grants policy.update and target.bind
const ScopeAdmin = "admin"

var (
	// ErrAuthDisabled is returned when tokens are requested without a secret
	ErrAuthDisabled = errors.New("token authentication is disabled")
	// ErrInvalidToken covers every token that fails verification
	ErrInvalidToken = errors.New("invalid token")
)

// Principal is the authenticated caller of a connection
type Principal struct {
	TenantID    string   `json:"tenantId"`
	WorkspaceID string   `json:"workspaceId"`
	UserID      string   `json:"userId,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
}

// Admin reports whether the principal holds the admin scope
func (p *Principal) Admin() bool {
	if p == nil {
		return false
	}
	for _, s := range p.Scopes {
		if s == ScopeAdmin {
			return true
		}
	}
	return false
}

// Claims is the token payload accepted by connect
type Claims struct {
	TenantID    string   `json:"tenantId"`
	WorkspaceID string   `json:"workspaceId"`
	Scopes      []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies connect credentials. Without a secret it runs in dev
// mode: the caller names its tenant and workspace and is granted admin.
type Authenticator struct {
	secret []byte
	expiry time.Duration
}

// NewAuthenticator creates an authenticator. An empty secret selects dev mode.
func NewAuthenticator(secret string, expiry time.Duration) *Authenticator {
	return &Authenticator{secret: []byte(secret), expiry: expiry}
}

// DevMode reports whether tokens are not verified
func (a *Authenticator) DevMode() bool {
	return len(a.secret) == 0
}

// Issue signs a token for p
func (a *Authenticator) Issue(p Principal) (string, error) {
	if a.DevMode() {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(p.TenantID) == "" || strings.TrimSpace(p.WorkspaceID) == "" {
		return "", errors.New("tenant and workspace are required")
	}

	now := time.Now()
	claims := Claims{
		TenantID:    p.TenantID,
		WorkspaceID: p.WorkspaceID,
		Scopes:      p.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  p.UserID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if a.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Verify parses an HS256 token into a principal
func (a *Authenticator) Verify(token string) (*Principal, error) {
	if a.DevMode() {
		return nil, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.TenantID) == "" || strings.TrimSpace(claims.WorkspaceID) == "" {
		return nil, ErrInvalidToken
	}
	return &Principal{
		TenantID:    claims.TenantID,
		WorkspaceID: claims.WorkspaceID,
		UserID:      claims.Subject,
		Scopes:      claims.Scopes,
	}, nil
}

// ConnectParams are the credentials of a connect request
type ConnectParams struct {
	Token       string
	TenantID    string
	WorkspaceID string
	UserID      string
}

// Authenticate resolves connect params into a principal. Named tenant or
// workspace params must agree with the token.
func (a *Authenticator) Authenticate(p ConnectParams) (*Principal, *protocol.Error) {
	if a.DevMode() {
		if p.TenantID == "" || p.WorkspaceID == "" {
			return nil, protocol.NewError(protocol.CodeAuthRequired, "tenantId and workspaceId are required")
		}
		if err := validateScopeSegment(p.TenantID); err != nil {
			return nil, err
		}
		if err := validateScopeSegment(p.WorkspaceID); err != nil {
			return nil, err
		}
		return &Principal{
			TenantID:    p.TenantID,
			WorkspaceID: p.WorkspaceID,
			UserID:      p.UserID,
			Scopes:      []string{ScopeAdmin},
		}, nil
	}

	if strings.TrimSpace(p.Token) == "" {
		return nil, protocol.NewError(protocol.CodeAuthRequired, "token is required")
	}
	principal, err := a.Verify(p.Token)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeUnauthorized, "invalid token")
	}
	if p.TenantID != "" && p.TenantID != principal.TenantID {
		return nil, protocol.NewError(protocol.CodeTenantScopeMismatch, "token is not valid for tenant %s", p.TenantID)
	}
	if p.WorkspaceID != "" && p.WorkspaceID != principal.WorkspaceID {
		return nil, protocol.NewError(protocol.CodeWorkspaceScopeMismatch, "token is not valid for workspace %s", p.WorkspaceID)
	}
	return principal, nil
}

func validateScopeSegment(seg string) *protocol.Error {
	if strings.ContainsAny(seg, "/\\\x00") || seg == "." || seg == ".." {
		return protocol.NewError(protocol.CodeInvalidRequest, "invalid scope segment %q", seg)
	}
	return nil
}

// BearerToken extracts the token of an Authorization header
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
