package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func testUser() User {
	return User{ID: "01J0000000000000000000USER", TenantID: "01J000000000000000000TENANT", Username: "alice", Role: RoleUser, Active: true}
}

func TestNewTokenServiceRejectsShortSecret(t *testing.T) {
	_, err := NewTokenService([]byte("short"))
	require.Error(t, err)
}

func TestIssueAndValidatePair(t *testing.T) {
	clock := newFakeClock()
	svc, err := NewTokenService(testSecret, WithClock(clock.Now), WithIssuer("test-issuer"))
	require.NoError(t, err)

	user := testUser()
	pair, err := svc.IssuePair(user)
	require.NoError(t, err)
	assert.Equal(t, int64(30*60), pair.ExpiresIn)
	assert.Equal(t, clock.Now().Add(30*time.Minute), pair.AccessExpiresAt)
	assert.Equal(t, clock.Now().Add(7*24*time.Hour), pair.RefreshExpiresAt)

	claims, err := svc.ValidateAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, user.ID, claims.Subject)
	assert.Equal(t, user.TenantID, claims.TenantID)
	assert.Equal(t, RoleUser, claims.Role)
	assert.Equal(t, KindAccess, claims.Kind)
	assert.Equal(t, "test-issuer", claims.Issuer)
	assert.NotEmpty(t, claims.ID)

	// validation is pure: a second call yields the same claims
	again, err := svc.ValidateAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, claims, again)

	_, err = svc.ValidateAccess(pair.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.ValidateRefresh(pair.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)

	refresh, err := svc.ValidateRefresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, claims.ID, refresh.ID)
}

func TestValidateAccessRejectsExpired(t *testing.T) {
	clock := newFakeClock()
	svc, err := NewTokenService(testSecret, WithClock(clock.Now), WithAccessTTL(time.Minute))
	require.NoError(t, err)

	pair, err := svc.IssuePair(testUser())
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	_, err = svc.ValidateAccess(pair.AccessToken)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	_, err = svc.ValidateAccess(pair.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestValidateAccessRejectsForeignTokens(t *testing.T) {
	clock := newFakeClock()
	svc, err := NewTokenService(testSecret, WithClock(clock.Now))
	require.NoError(t, err)
	other, err := NewTokenService([]byte("ffffffffffffffffffffffffffffffff"), WithClock(clock.Now))
	require.NoError(t, err)
	otherIssuer, err := NewTokenService(testSecret, WithClock(clock.Now), WithIssuer("someone-else"))
	require.NoError(t, err)

	foreign, err := other.IssuePair(testUser())
	require.NoError(t, err)
	wrongIssuer, err := otherIssuer.IssuePair(testUser())
	require.NoError(t, err)

	pair, err := svc.IssuePair(testUser())
	require.NoError(t, err)
	parts := strings.Split(pair.AccessToken, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		UserID: "u", TenantID: "t", Role: RoleAdmin, Kind: KindAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: defaultIssuer, Subject: "u", ID: "x",
			IssuedAt:  jwt.NewNumericDate(clock.Now()),
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
		},
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"other secret": foreign.AccessToken,
		"other issuer": wrongIssuer.AccessToken,
		"tampered":     tampered,
		"alg none":     unsigned,
		"garbage":      "not-a-token",
		"empty":        "",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.ValidateAccess(token)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

type lookupFunc func(ctx context.Context, userID string) (User, error)

func (f lookupFunc) FindUserByID(ctx context.Context, userID string) (User, error) {
	return f(ctx, userID)
}

func TestRefreshRotatesToken(t *testing.T) {
	clock := newFakeClock()
	user := testUser()
	lookup := lookupFunc(func(context.Context, string) (User, error) { return user, nil })
	svc, err := NewTokenService(testSecret, WithClock(clock.Now), WithUserLookup(lookup))
	require.NoError(t, err)
	ctx := context.Background()

	pair, err := svc.IssuePair(user)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	next, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.AccessToken, next.AccessToken)

	_, err = svc.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Refresh(ctx, pair.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)

	user.Active = false
	_, err = svc.Refresh(ctx, next.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshIsSingleUseUnderConcurrency(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	backends := map[string]Denylist{
		"lru":   NewLRUDenylist(100, time.Hour),
		"redis": NewRedisDenylist(client),
	}
	for name, denylist := range backends {
		t.Run(name, func(t *testing.T) {
			user := testUser()
			lookup := lookupFunc(func(context.Context, string) (User, error) {
				time.Sleep(5 * time.Millisecond)
				return user, nil
			})
			svc, err := NewTokenService(testSecret, WithUserLookup(lookup), WithDenylist(denylist))
			require.NoError(t, err)
			pair, err := svc.IssuePair(user)
			require.NoError(t, err)

			var (
				wg        sync.WaitGroup
				succeeded atomic.Int64
				rejected  atomic.Int64
			)
			for range 16 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := svc.Refresh(context.Background(), pair.RefreshToken)
					switch {
					case err == nil:
						succeeded.Add(1)
					case errors.Is(err, ErrInvalidToken):
						rejected.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int64(1), succeeded.Load())
			assert.Equal(t, int64(15), rejected.Load())
		})
	}
}

func TestAuthenticatorChecksSubject(t *testing.T) {
	clock := newFakeClock()
	user := testUser()
	found := true
	lookup := lookupFunc(func(context.Context, string) (User, error) {
		if !found {
			return User{}, ErrNotFound
		}
		return user, nil
	})
	svc, err := NewTokenService(testSecret, WithClock(clock.Now))
	require.NoError(t, err)
	authn, err := NewAuthenticator(svc, lookup, true)
	require.NoError(t, err)
	ctx := context.Background()

	pair, err := svc.IssuePair(user)
	require.NoError(t, err)

	claims, err := authn.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)

	user.Role = RoleAdmin
	claims, err = authn.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, claims.Role)

	user.TenantID = "01J000000000000000000OTHER0"
	_, err = authn.Authenticate(ctx, pair.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)

	user = testUser()
	found = false
	_, err = authn.Authenticate(ctx, pair.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)

	found = true
	access, err := svc.ValidateAccess(pair.AccessToken)
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, access))
	_, err = authn.Authenticate(ctx, pair.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewAuthenticatorRequiresLookupForSubjectChecks(t *testing.T) {
	svc, err := NewTokenService(testSecret)
	require.NoError(t, err)
	_, err = NewAuthenticator(svc, nil, true)
	require.Error(t, err)
	_, err = NewAuthenticator(svc, nil, false)
	require.NoError(t, err)
}

func TestClaimsContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, ok := ClaimsFromContext(ctx)
	assert.False(t, ok)

	claims := &Claims{UserID: "u1", TenantID: "t1"}
	ctx = ContextWithClaims(ctx, claims)
	got, ok := ClaimsFromContext(ctx)
	require.True(t, ok)
	assert.Same(t, claims, got)
}
