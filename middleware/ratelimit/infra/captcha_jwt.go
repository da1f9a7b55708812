package infra

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"abuse-gateway/middleware/ratelimit/domain"
)

// JWTCaptchaVerifier aceita tokens HS256 emitidos pelo backend de CAPTCHA
// depois que o desafio foi resolvido.
//
// Se o token tiver "sub", ele precisa bater com a chave da requisição; assim
// um token obtido para uma chave não libera outra.
//
// Tokens com "jti" são de uso único: o id fica em cache até o token expirar e
// uma segunda apresentação é recusada. Tokens sem "jti" valem até expirar.
type JWTCaptchaVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	used   *cache.Cache
}

var _ domain.CaptchaVerifier = (*JWTCaptchaVerifier)(nil)

type JWTCaptchaOption func(*JWTCaptchaVerifier)

func WithCaptchaIssuer(iss string) JWTCaptchaOption {
	return func(v *JWTCaptchaVerifier) { v.issuer = iss }
}

func WithCaptchaLeeway(d time.Duration) JWTCaptchaOption {
	return func(v *JWTCaptchaVerifier) { v.leeway = d }
}

func NewJWTCaptchaVerifier(secret string, opts ...JWTCaptchaOption) *JWTCaptchaVerifier {
	v := &JWTCaptchaVerifier{secret: []byte(secret), used: cache.New(cache.NoExpiration, time.Minute)}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *JWTCaptchaVerifier) Verify(_ context.Context, key domain.Key, token string) bool {
	if len(v.secret) == 0 || token == "" {
		return false
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, parserOpts...)
	if err != nil || !parsed.Valid {
		return false
	}

	if claims.Subject != "" && claims.Subject != string(key) {
		return false
	}
	if claims.ID == "" {
		return true
	}
	ttl := time.Until(claims.ExpiresAt.Time) + v.leeway
	if ttl <= 0 {
		ttl = time.Second
	}
	// Add falha se o id já foi visto.
	return v.used.Add(claims.ID, struct{}{}, ttl) == nil
}

// IssueCaptchaToken assina um token de passagem de uso único. Usado pelo backend de CAPTCHA
// (e pelos testes) com o mesmo segredo do verificador.
func IssueCaptchaToken(secret string, key domain.Key, ttl time.Duration, issuer string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   string(key),
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
