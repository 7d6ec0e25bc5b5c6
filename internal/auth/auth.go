package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer     = "tenantgate"
	defaultAccessTTL  = 30 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour

	// MinSecretLength is the shortest accepted HS256 signing secret.
	MinSecretLength = 32
)

// TokenKind distinguishes access tokens from refresh tokens.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// Claims represents JWT claims used across the service. Subject always equals
// UserID.
type Claims struct {
	UserID   string    `json:"user_id"`
	TenantID string    `json:"tenant_id"`
	Username string    `json:"username"`
	Role     Role      `json:"role"`
	Kind     TokenKind `json:"type"`
	jwt.RegisteredClaims
}

// UserLookup loads users by id for refresh and subject checks.
// CredentialService satisfies it.
type UserLookup interface {
	FindUserByID(ctx context.Context, userID string) (User, error)
}

// TokenService issues and validates HS256 access/refresh tokens. The signing
// secret is fixed at construction and never changes afterwards.
type TokenService struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	denylist   Denylist
	users      UserLookup
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithIssuer sets the JWT issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		issuer = strings.TrimSpace(issuer)
		if issuer == "" {
			return errors.New("issuer must not be empty")
		}
		s.issuer = issuer
		return nil
	}
}

// WithAccessTTL configures the access token lifetime.
func WithAccessTTL(d time.Duration) TokenOption {
	return func(s *TokenService) error {
		if d <= 0 {
			return errors.New("access ttl must be positive")
		}
		s.accessTTL = d
		return nil
	}
}

// WithRefreshTTL configures the refresh token lifetime.
func WithRefreshTTL(d time.Duration) TokenOption {
	return func(s *TokenService) error {
		if d <= 0 {
			return errors.New("refresh ttl must be positive")
		}
		s.refreshTTL = d
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithDenylist sets where revoked token ids are kept.
func WithDenylist(d Denylist) TokenOption {
	return func(s *TokenService) error {
		if d != nil {
			s.denylist = d
		}
		return nil
	}
}

// WithUserLookup sets the user source consulted by Refresh.
func WithUserLookup(u UserLookup) TokenOption {
	return func(s *TokenService) error {
		s.users = u
		return nil
	}
}

// NewTokenService constructs TokenService. Without WithDenylist an in-process
// LRU deny-list is used.
func NewTokenService(secret []byte, opts ...TokenOption) (*TokenService, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes", MinSecretLength)
	}
	svc := &TokenService{
		secret:     append([]byte(nil), secret...),
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.denylist == nil {
		lru := NewLRUDenylist(defaultDenylistSize, svc.refreshTTL)
		lru.now = svc.now
		svc.denylist = lru
	}
	return svc, nil
}

// AccessTTL returns the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// IssuePair signs a fresh access and refresh token for user.
func (s *TokenService) IssuePair(user User) (TokenPair, error) {
	if user.ID == "" || user.TenantID == "" {
		return TokenPair{}, errors.New("user id and tenant id are required")
	}
	now := s.now().UTC()
	access, accessExp, err := s.sign(user, KindAccess, now, s.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := s.sign(user, KindRefresh, now, s.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		ExpiresIn:        int64(s.accessTTL / time.Second),
	}, nil
}

func (s *TokenService) sign(user User, kind TokenKind, now time.Time, ttl time.Duration) (string, time.Time, error) {
	expiresAt := now.Add(ttl)
	claims := Claims{
		UserID:   user.ID,
		TenantID: user.TenantID,
		Username: user.Username,
		Role:     user.Role,
		Kind:     kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateAccess verifies an access token. It has no side effects.
func (s *TokenService) ValidateAccess(token string) (*Claims, error) {
	return s.validate(token, KindAccess)
}

// ValidateRefresh verifies a refresh token. It has no side effects.
func (s *TokenService) ValidateRefresh(token string) (*Claims, error) {
	return s.validate(token, KindRefresh)
}

func (s *TokenService) validate(token string, kind TokenKind) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Kind != kind {
		return nil, fmt.Errorf("%w: expected %s token", ErrInvalidToken, kind)
	}
	if claims.UserID == "" || claims.TenantID == "" || claims.Subject != claims.UserID || claims.ID == "" {
		return nil, fmt.Errorf("%w: identity claims missing", ErrInvalidToken)
	}
	if !claims.Role.Known() {
		return nil, fmt.Errorf("%w: unknown role", ErrInvalidToken)
	}
	return claims, nil
}

// Revoked reports whether the token id of claims is on the deny-list.
func (s *TokenService) Revoked(ctx context.Context, claims *Claims) (bool, error) {
	denied, err := s.denylist.Contains(ctx, claims.ID)
	if err != nil {
		return false, Unavailable("check denylist", err)
	}
	return denied, nil
}

// Revoke places the token id of claims on the deny-list until the token
// would have expired anyway.
func (s *TokenService) Revoke(ctx context.Context, claims *Claims) error {
	if claims == nil || claims.ExpiresAt == nil {
		return ErrInvalidToken
	}
	until := claims.ExpiresAt.Time
	if !until.After(s.now()) {
		return nil
	}
	if err := s.denylist.Add(ctx, claims.ID, until); err != nil {
		return Unavailable("revoke token", err)
	}
	return nil
}

// Refresh exchanges a valid refresh token for a new pair. The presented
// token id is claimed on the deny-list before anything is issued, so of
// concurrent replays only one can win.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if s.users == nil {
		return TokenPair{}, errors.New("token service has no user lookup")
	}
	claims, err := s.ValidateRefresh(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	claimed, err := s.denylist.Claim(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		return TokenPair{}, Unavailable("claim refresh token", err)
	}
	if !claimed {
		return TokenPair{}, fmt.Errorf("%w: token revoked", ErrInvalidToken)
	}
	user, err := s.users.FindUserByID(ctx, claims.UserID)
	if errors.Is(err, ErrNotFound) {
		return TokenPair{}, fmt.Errorf("%w: subject no longer exists", ErrInvalidToken)
	}
	if err != nil {
		return TokenPair{}, err
	}
	if !user.Active || user.TenantID != claims.TenantID {
		return TokenPair{}, fmt.Errorf("%w: subject rejected", ErrInvalidToken)
	}
	return s.IssuePair(user)
}

// Authenticator turns a bearer token into trusted claims for a request.
type Authenticator struct {
	tokens        *TokenService
	users         UserLookup
	verifySubject bool
}

// NewAuthenticator constructs Authenticator. With verifySubject set, users must
// be non-nil; every request then re-checks that the subject still exists, is
// active and belongs to the claimed tenant.
func NewAuthenticator(tokens *TokenService, users UserLookup, verifySubject bool) (*Authenticator, error) {
	if tokens == nil {
		return nil, errors.New("token service is required")
	}
	if verifySubject && users == nil {
		return nil, errors.New("subject verification requires a user lookup")
	}
	return &Authenticator{tokens: tokens, users: users, verifySubject: verifySubject}, nil
}

// Authenticate validates an access token and returns its claims.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Claims, error) {
	claims, err := a.tokens.ValidateAccess(token)
	if err != nil {
		return nil, err
	}
	denied, err := a.tokens.Revoked(ctx, claims)
	if err != nil {
		return nil, err
	}
	if denied {
		return nil, fmt.Errorf("%w: token revoked", ErrInvalidToken)
	}
	if !a.verifySubject {
		return claims, nil
	}
	user, err := a.users.FindUserByID(ctx, claims.UserID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: subject no longer exists", ErrInvalidToken)
	}
	if err != nil {
		return nil, err
	}
	if !user.Active || user.TenantID != claims.TenantID {
		return nil, fmt.Errorf("%w: subject rejected", ErrInvalidToken)
	}
	// role changes take effect before the token expires
	claims.Role = user.Role
	return claims, nil
}

// Tokens exposes the underlying token service.
func (a *Authenticator) Tokens() *TokenService { return a.tokens }
