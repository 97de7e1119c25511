package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/punchamoorthee/bookescrow/internal/domain"
)

const issuer = "bookescrow"

var ErrInvalidToken = errors.New("invalid token")

// Claims carries the caller identity in the subject.
type Claims struct {
	jwt.RegisteredClaims
}

func (c *Claims) Identity() domain.Identity {
	return domain.Identity(c.Subject)
}

// GenerateJWT signs an HS256 token for id. If expiration <= 0, 24h is used.
func GenerateJWT(secret string, id domain.Identity, expiration time.Duration) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseJWT(secret string, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if claims.Identity().IsCustodial() {
		return nil, fmt.Errorf("%w: reserved subject", ErrInvalidToken)
	}
	return claims, nil
}
