package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	subjectClaim = "sub"
	expClaim     = "exp"
)

// CreateConnectToken issues a signed token the websocket handshake accepts
// as proof of identity for userId.
func CreateConnectToken(signingKey []byte, userId string, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		subjectClaim: userId,
		expClaim:     time.Now().Add(exp).Unix(),
	})

	return token.SignedString(signingKey)
}

// VerifyConnectToken validates tokenString and returns the user id it was
// issued for.
func VerifyConnectToken(signingKey []byte, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	userId, ok := claims[subjectClaim].(string)
	if !ok || userId == "" {
		return "", fmt.Errorf("invalid subject claim")
	}

	return userId, nil
}
