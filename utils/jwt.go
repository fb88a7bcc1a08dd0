package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"cadencer/config"
)

// Claims is the payload of an API token. There is no user table behind the
// admin API, so the subject is a free-form operator label.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateAPIToken mints an HS256 admin token for the HTTP API, signed with
// the configured JWT secret. A non-positive ttl falls back to 24 hours.
func GenerateAPIToken(subject string, ttl time.Duration) (string, error) {
	if config.AppConfig.JWTSecret == "" {
		return "", errors.New("JWT_SECRET is not configured")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	claims := &Claims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(config.AppConfig.JWTSecret))
}

// ParseJWTToken validates a token string and returns its claims.
func ParseJWTToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(config.AppConfig.JWTSecret), nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}
