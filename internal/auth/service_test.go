package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billingsync/internal/accounts"
	"billingsync/internal/apikeys"
	"billingsync/internal/types"
)

const testSecret = "sso-shared-secret"

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"aid": "acct_1",
		"iat": now.Unix(),
		"jti": "nonce-1",
		"oid": "org_42",
	}
}

func newTestService(t *testing.T, clock *fakeClock) (*Service, *accounts.Memory) {
	t.Helper()
	dir := accounts.NewMemory()
	_, err := dir.Create(context.Background(), "acct_1", "cus_1")
	require.NoError(t, err)

	keys := apikeys.NewStore(60, clock)
	svc := NewService(types.SecretString(testSecret), 120, dir, keys, clock)
	return svc, dir
}

func TestExchange_Success(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	svc, _ := newTestService(t, clock)

	resp, err := svc.Exchange(context.Background(), signToken(t, testSecret, validClaims(clock.now)))
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, resp.Result)
	assert.Equal(t, "acct_1", resp.AccountID)
	assert.NotEmpty(t, resp.APIKey)

	account, ok, err := svc.ValidateAPIKey(context.Background(), resp.APIKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "acct_1", account.ID)
}

func TestExchange_WrongSecretIsInvalid(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	svc, _ := newTestService(t, clock)

	resp, err := svc.Exchange(context.Background(), signToken(t, "other-secret", validClaims(clock.now)))
	require.NoError(t, err)
	assert.Equal(t, ResultInvalid, resp.Result)
	assert.Equal(t, "Invalid token or signature", resp.Message)
}

func TestExchange_GarbageTokenIsInvalid(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	svc, _ := newTestService(t, clock)

	resp, err := svc.Exchange(context.Background(), "not-a-jwt")
	require.NoError(t, err)
	assert.Equal(t, ResultInvalid, resp.Result)
}

func TestExchange_MissingClaimIsInvalid(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	svc, _ := newTestService(t, clock)

	claims := validClaims(clock.now)
	delete(claims, "oid")

	resp, err := svc.Exchange(context.Background(), signToken(t, testSecret, claims))
	require.NoError(t, err)
	assert.Equal(t, ResultInvalid, resp.Result)
	assert.Equal(t, "Invalid decoded token format", resp.Message)
}

func TestExchange_StaleIssuedAtIsDenied(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	svc, _ := newTestService(t, clock)

	claims := validClaims(clock.now.Add(-5 * time.Minute))

	resp, err := svc.Exchange(context.Background(), signToken(t, testSecret, claims))
	require.NoError(t, err)
	assert.Equal(t, ResultDenied, resp.Result)
	assert.Equal(t, "Expired token", resp.Message)
}

func TestExchange_FutureIssuedAtIsDenied(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	svc, _ := newTestService(t, clock)

	claims := validClaims(clock.now.Add(5 * time.Minute))

	resp, err := svc.Exchange(context.Background(), signToken(t, testSecret, claims))
	require.NoError(t, err)
	assert.Equal(t, ResultDenied, resp.Result)
}

func TestExchange_ReplayedNonceIsDenied(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	svc, _ := newTestService(t, clock)
	ctx := context.Background()
	token := signToken(t, testSecret, validClaims(clock.now))

	first, err := svc.Exchange(ctx, token)
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, first.Result)

	second, err := svc.Exchange(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, ResultDenied, second.Result)
	assert.Equal(t, "Replayed token", second.Message)
}

func TestExchange_DeniedPathsDoNotBurnNonce(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	stale := validClaims(clock.now.Add(-5 * time.Minute))
	resp, err := svc.Exchange(ctx, signToken(t, testSecret, stale))
	require.NoError(t, err)
	require.Equal(t, ResultDenied, resp.Result)

	// Same nonce with a fresh iat must still be accepted.
	fresh := validClaims(clock.now)
	resp, err = svc.Exchange(ctx, signToken(t, testSecret, fresh))
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, resp.Result)
}

func TestExchange_UnknownAccountIsDenied(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	svc, _ := newTestService(t, clock)

	claims := validClaims(clock.now)
	claims["aid"] = "acct_unknown"

	resp, err := svc.Exchange(context.Background(), signToken(t, testSecret, claims))
	require.NoError(t, err)
	assert.Equal(t, ResultDenied, resp.Result)
	assert.Equal(t, "No such account", resp.Message)
}

func TestValidateAPIKey_UnknownKey(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	svc, _ := newTestService(t, clock)

	_, ok, err := svc.ValidateAPIKey(context.Background(), "bogus")
	require.NoError(t, err)
	assert.False(t, ok)
}
