// Package auth validates the identity token presented before a session may
// join. Identity issuance itself is an external collaborator; this package
// only verifies and extracts (userID, displayName).
package auth

import (
	"crypto/rsa"
	"errors"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	UserUUID    string `json:"user_uuid"`
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

type JWTValidator struct {
	secret []byte
	pub    *rsa.PublicKey
}

func NewJWTValidatorHS256(secret string) (*JWTValidator, error) {
	if secret == "" {
		return nil, errors.New("jwt: empty HS256 secret")
	}
	return &JWTValidator{secret: []byte(secret)}, nil
}

func NewJWTValidatorRS256(pubKeyPath string) (*JWTValidator, error) {
	b, err := os.ReadFile(pubKeyPath)
	if err != nil {
		return nil, err
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(b)
	if err != nil {
		return nil, err
	}
	return &JWTValidator{pub: pub}, nil
}

func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if v.pub != nil {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return v.pub, nil
		}
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.UserUUID == "" {
		return nil, errors.New("token missing user_uuid claim")
	}
	if claims.DisplayName == "" {
		claims.DisplayName = claims.UserUUID
	}
	return claims, nil
}

func ParseBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header empty")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}
