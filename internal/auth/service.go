// Package auth implements the single-sign-on token exchange for the
// first-party API: a signed, short-lived, single-use token minted by the
// account provider is traded for a bearer API key scoped to one account.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"billingsync/internal/accounts"
	"billingsync/internal/apikeys"
	"billingsync/internal/dedup"
	"billingsync/internal/types"
)

// Result classifies an exchange outcome. Invalid means the token itself is
// malformed or forged (400); Denied means a well-formed token the service
// refuses to honor (401).
type Result int

const (
	ResultInvalid Result = iota
	ResultDenied
	ResultSuccess
)

// Response is the outcome of a token exchange. Message is set on rejection;
// APIKey and AccountID are set on success.
type Response struct {
	Result    Result
	Message   string
	APIKey    string
	AccountID string
}

// ssoClaims is the expected token payload. aid is the account id, jti the
// single-use nonce, oid the issuing organization.
type ssoClaims struct {
	AccountID      string `json:"aid"`
	IssuedAt       int64  `json:"iat"`
	Nonce          string `json:"jti"`
	OrganizationID string `json:"oid"`
	Action         string `json:"action,omitempty"`
}

// GetExpirationTime implements jwt.Claims. The token carries no exp; the
// service enforces its own iat window instead.
func (c *ssoClaims) GetExpirationTime() (*jwt.NumericDate, error) { return nil, nil }
func (c *ssoClaims) GetIssuedAt() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.IssuedAt, 0)), nil
}
func (c *ssoClaims) GetNotBefore() (*jwt.NumericDate, error) { return nil, nil }
func (c *ssoClaims) GetIssuer() (string, error)              { return "", nil }
func (c *ssoClaims) GetSubject() (string, error)             { return "", nil }
func (c *ssoClaims) GetAudience() (jwt.ClaimStrings, error)  { return nil, nil }

// Service performs the SSO exchange and per-request API key validation.
type Service struct {
	secret      types.SecretString
	validWindow int64
	accounts    accounts.Directory
	apiKeys     *apikeys.Store
	usedNonces  *dedup.ExpireSet[string]
	clock       types.Clock
}

// NewService creates a Service. validWindowSeconds bounds both the accepted
// iat skew and the nonce replay-protection window. A nil clock defaults to
// real time.
func NewService(
	secret types.SecretString,
	validWindowSeconds int64,
	dir accounts.Directory,
	apiKeys *apikeys.Store,
	clock types.Clock,
) *Service {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Service{
		secret:      secret,
		validWindow: validWindowSeconds,
		accounts:    dir,
		apiKeys:     apiKeys,
		usedNonces:  dedup.NewExpireSet[string](validWindowSeconds, clock),
		clock:       clock,
	}
}

// Exchange validates an SSO token and, on success, issues a bearer API key.
//
// Rejection paths before the nonce is recorded have no side effects, so a
// token rejected for clock skew can be retried after resynchronization.
func (s *Service) Exchange(ctx context.Context, token string) (Response, error) {
	claims := &ssoClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(s.secret.Unmask()), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Response{Result: ResultInvalid, Message: "Invalid token or signature"}, nil
	}

	if claims.AccountID == "" || claims.Nonce == "" || claims.OrganizationID == "" || claims.IssuedAt == 0 {
		return Response{Result: ResultInvalid, Message: "Invalid decoded token format"}, nil
	}

	now := s.clock.Now().Unix()
	skew := now - claims.IssuedAt
	if skew < 0 {
		skew = -skew
	}
	if skew > s.validWindow {
		return Response{Result: ResultDenied, Message: "Expired token"}, nil
	}

	if s.usedNonces.Has(claims.Nonce) {
		return Response{Result: ResultDenied, Message: "Replayed token"}, nil
	}
	s.usedNonces.Insert(claims.Nonce)

	_, exists, err := s.accounts.Get(ctx, claims.AccountID)
	if err != nil {
		return Response{}, fmt.Errorf("looking up account %s: %w", claims.AccountID, err)
	}
	if !exists {
		return Response{Result: ResultDenied, Message: "No such account"}, nil
	}

	apiKey, err := s.apiKeys.Generate(claims.AccountID)
	if err != nil {
		return Response{}, err
	}

	return Response{Result: ResultSuccess, APIKey: apiKey, AccountID: claims.AccountID}, nil
}

// ValidateAPIKey resolves a bearer API key to its account. Expired, revoked,
// and unknown keys all return (Account{}, false, nil).
func (s *Service) ValidateAPIKey(ctx context.Context, apiKey string) (types.Account, bool, error) {
	accountID, ok := s.apiKeys.AccountID(apiKey)
	if !ok {
		return types.Account{}, false, nil
	}
	return s.accounts.Get(ctx, accountID)
}
