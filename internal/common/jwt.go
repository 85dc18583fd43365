package common

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var jwtSecret = []byte(os.Getenv("JWT_SECRET"))

// Claims represents the data stored in a JWT token.
type Claims struct {
	UserID string `json:"user_id"`
	Handle string `json:"handle"`
	jwt.RegisteredClaims
}

func GenerateToken(userID, handle string) (string, error) {
	claims := &Claims{
		UserID: userID,
		Handle: handle,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "converse",
			Subject:   "user-auth",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	return token.SignedString(jwtSecret)
}

func ValidToken(tokenstring string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenstring, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// TokenIdentity resolves the current user from a validated token. One is
// created per engine session by the gateway.
type TokenIdentity struct {
	userID string
}

// IdentityFromToken validates tokenstring and returns an identity for its
// subject, or ErrUnauthenticated when the token is missing or invalid.
func IdentityFromToken(tokenstring string) (*TokenIdentity, error) {
	if tokenstring == "" {
		return nil, ErrUnauthenticated
	}
	claims, err := ValidToken(tokenstring)
	if err != nil || claims.UserID == "" {
		return nil, ErrUnauthenticated
	}
	return &TokenIdentity{userID: claims.UserID}, nil
}

func (t *TokenIdentity) CurrentUserID() (string, error) {
	if t == nil || t.userID == "" {
		return "", ErrUnauthenticated
	}
	return t.userID, nil
}

// StaticIdentity is a fixed identity for tests and local tooling.
type StaticIdentity string

func (s StaticIdentity) CurrentUserID() (string, error) {
	if s == "" {
		return "", ErrUnauthenticated
	}
	return string(s), nil
}
