package infra

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTCaptchaVerifier_AcceptsIssuedToken(t *testing.T) {
	v := NewJWTCaptchaVerifier("s3cret", WithCaptchaIssuer("captcha"))
	tok, err := IssueCaptchaToken("s3cret", "1.2.3.4", time.Minute, "captcha")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !v.Verify(context.Background(), "1.2.3.4", tok) {
		t.Fatalf("expected token to be accepted")
	}
}

func TestJWTCaptchaVerifier_RejectsBadTokens(t *testing.T) {
	v := NewJWTCaptchaVerifier("s3cret")
	ctx := context.Background()

	wrongSecret, _ := IssueCaptchaToken("other", "k", time.Minute, "")
	if v.Verify(ctx, "k", wrongSecret) {
		t.Fatalf("expected token signed with another secret to be rejected")
	}

	expired, _ := IssueCaptchaToken("s3cret", "k", -time.Minute, "")
	if v.Verify(ctx, "k", expired) {
		t.Fatalf("expected expired token to be rejected")
	}

	otherKey, _ := IssueCaptchaToken("s3cret", "k2", time.Minute, "")
	if v.Verify(ctx, "k", otherKey) {
		t.Fatalf("expected token bound to another key to be rejected")
	}

	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "k"}).SignedString([]byte("s3cret"))
	if v.Verify(ctx, "k", noExp) {
		t.Fatalf("expected token without exp to be rejected")
	}

	if v.Verify(ctx, "k", "") || v.Verify(ctx, "k", "garbage") {
		t.Fatalf("expected empty/garbage token to be rejected")
	}
}

func TestJWTCaptchaVerifier_UnboundTokenWorksForAnyKey(t *testing.T) {
	v := NewJWTCaptchaVerifier("s3cret")
	tok, _ := IssueCaptchaToken("s3cret", "", time.Minute, "")
	if !v.Verify(context.Background(), "whatever", tok) {
		t.Fatalf("expected token without subject to be accepted")
	}
}

func TestJWTCaptchaVerifier_TokenIsSingleUse(t *testing.T) {
	v := NewJWTCaptchaVerifier("s3cret")
	ctx := context.Background()
	tok, _ := IssueCaptchaToken("s3cret", "k", time.Minute, "")

	if v.Verify(ctx, "other", tok) {
		t.Fatalf("expected token bound to k to be rejected for another key")
	}
	if !v.Verify(ctx, "k", tok) {
		t.Fatalf("a rejected presentation must not consume the token")
	}
	if v.Verify(ctx, "k", tok) {
		t.Fatalf("expected replayed token to be rejected")
	}

	fresh, _ := IssueCaptchaToken("s3cret", "k", time.Minute, "")
	if !v.Verify(ctx, "k", fresh) {
		t.Fatalf("expected a newly issued token to be accepted")
	}
}

func TestJWTCaptchaVerifier_TokenWithoutIDIsReusable(t *testing.T) {
	v := NewJWTCaptchaVerifier("s3cret")
	claims := jwt.RegisteredClaims{Subject: "k", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))}
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s3cret"))

	for i := 0; i < 2; i++ {
		if !v.Verify(context.Background(), "k", tok) {
			t.Fatalf("presentation %d: expected token without jti to be accepted", i+1)
		}
	}
}
