// Package auth はホスト型IDプロバイダーが発行したアクセストークンを検証する。
// トークンはHS256で署名されたJWTで、subクレームをユーザーIDとして扱う。
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken は署名・形式・必須クレームが不正なトークンのエラー。
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken は有効期限切れのトークンのエラー。
	ErrExpiredToken = errors.New("expired token")
)

// Claims はアクセストークンのクレーム。
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// VerifierConfig はトークン検証の設定。
type VerifierConfig struct {
	Secret   []byte
	Issuer   string        // 空の場合はissを検証しない
	Audience string        // 空の場合はaudを検証しない
	Leeway   time.Duration // exp/nbfの許容誤差
}

// TokenVerifier はHS256のアクセストークンを検証する。
type TokenVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewTokenVerifier は新しいTokenVerifierを生成する。
// Secretが空の場合はエラーを返す。
func NewTokenVerifier(cfg VerifierConfig) (*TokenVerifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("token secret is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &TokenVerifier{
		secret: cfg.Secret,
		parser: jwt.NewParser(opts...),
	}, nil
}

// Verify はトークンを検証してクレームを返す。
// 期限切れはErrExpiredToken、それ以外の不正はErrInvalidTokenをラップして返す。
func (v *TokenVerifier) Verify(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}

	return claims, nil
}

// IssueToken はHS256で署名したアクセストークンを発行する。
// ローカル開発およびテストでIDプロバイダーの代わりに使う。
func IssueToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return IssueTokenWithClaims(secret, claims)
}

// IssueTokenWithClaims は任意のクレームでトークンを署名する。
func IssueTokenWithClaims(secret []byte, claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
