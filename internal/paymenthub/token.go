package paymenthub

import (
	"context"
	"time"

	"example.com/backstage/services/agreements/config"
	"example.com/backstage/services/agreements/internal/cache"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// refreshMargin is how long before expiry a cached token is replaced
const refreshMargin = time.Minute

// TokenSource signs the short-lived bearer tokens the payment hub expects
type TokenSource struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	cache    cache.TokenCache
	now      func() time.Time
}

// NewTokenSource creates a token source memoizing tokens in tokens
func NewTokenSource(cfg config.PaymentHubConfig, tokens cache.TokenCache) *TokenSource {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	if tokens == nil {
		tokens = cache.NewMemoryTokenCache()
	}
	return &TokenSource{
		secret:   []byte(cfg.TokenSecret),
		issuer:   cfg.TokenIssuer,
		audience: cfg.TokenAudience,
		ttl:      ttl,
		cache:    tokens,
		now:      time.Now,
	}
}

// Token returns a cached token, signing a new one when it is about to expire
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	return s.cache.GetOrFetch(ctx, cache.TokenCacheKey(s.audience), s.sign)
}

func (s *TokenSource) sign(ctx context.Context) (string, time.Duration, error) {
	if len(s.secret) == 0 {
		return "", 0, errors.New("payment hub token secret is not configured")
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    s.issuer,
		Audience:  jwt.ClaimStrings{s.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", 0, errors.Wrap(err, "failed to sign payment hub token")
	}

	reuse := s.ttl - refreshMargin
	if reuse <= 0 {
		reuse = s.ttl / 2
	}
	return signed, reuse, nil
}
