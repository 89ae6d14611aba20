package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// accessTokenClaims はIdPが発行するアクセストークンのクレーム。
type accessTokenClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// parseAccessToken はアクセストークンのクレームを取り出す。
// secretが空の場合は署名を検証せずにクレームのみを読む。
// secretが設定されている場合はHS256署名を検証する（有効期限の検証は呼び出し元で行う）。
func parseAccessToken(tokenStr string, secret []byte) (*accessTokenClaims, error) {
	claims := &accessTokenClaims{}

	if len(secret) == 0 {
		if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
			return nil, fmt.Errorf("failed to parse access token: %w", err)
		}
		return claims, nil
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithoutClaimsValidation(),
	)
	token, err := parser.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("access token is not valid")
	}
	return claims, nil
}

// tokenExpiry はアクセストークンのexpクレームを返す。expがない場合はゼロ値。
func tokenExpiry(tokenStr string, secret []byte) (time.Time, error) {
	claims, err := parseAccessToken(tokenStr, secret)
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}
