package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessKeySigner issues short lived HS256 bearer tokens for ledger
// endpoints from a shared access key. Tokens are reused per endpoint until
// they are close to expiry.
type AccessKeySigner struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time

	mu     sync.Mutex
	issued map[string]issuedToken
}

type issuedToken struct {
	token   string
	expires time.Time
}

func NewAccessKeySigner(accessKey, issuer string, ttl time.Duration) *AccessKeySigner {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &AccessKeySigner{
		key:    []byte(accessKey),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
		issued: make(map[string]issuedToken),
	}
}

// Token implements the transport token source
func (s *AccessKeySigner) Token(endpoint string) (string, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.issued[endpoint]; ok && now.Add(s.ttl/5).Before(t.expires) {
		return t.token, nil
	}

	expires := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Audience:  jwt.ClaimStrings{endpoint},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("signing access token for %s: %w", endpoint, err)
	}
	s.issued[endpoint] = issuedToken{token: token, expires: expires}
	return token, nil
}

// VerifyAccessToken checks a token issued by an AccessKeySigner for endpoint
func VerifyAccessToken(accessKey, endpoint, tokenString string) error {
	_, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(accessKey), nil
	}, jwt.WithAudience(endpoint), jwt.WithExpirationRequired())
	return err
}
