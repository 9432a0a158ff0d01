package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// secretBytes is the size of refresh token secrets and JWT keys.
const secretBytes = 64

// generateSecret returns secretBytes of CSPRNG output, hex encoded.
func generateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// signAccessToken mints an HS256 JWT for rt: iss is the refresh token id,
// exp is now plus the token's access expiration.
func signAccessToken(rt *RefreshToken, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    rt.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(rt.AccessTokenExpiration)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(rt.JWTKey))
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

// unverifiedIssuer reads iss without checking the signature, so the
// matching refresh token (and its key) can be found.
func unverifiedIssuer(token string) (string, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", false
	}
	return claims.Issuer, claims.Issuer != ""
}

// verifyAccessToken checks the signature against key and the expiry
// against now.
func verifyAccessToken(token, key string, now time.Time) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	_, err := parser.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return []byte(key), nil
	})
	return err
}
