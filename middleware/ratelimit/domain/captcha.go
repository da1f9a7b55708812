package domain

import "context"

// CaptchaVerifier reconhece um token de CAPTCHA já resolvido.
//
// O engine não conversa com o provedor de CAPTCHA; ele só valida o sinal
// (token) que o provedor emitiu para o cliente.
type CaptchaVerifier interface {
	Verify(ctx context.Context, key Key, token string) bool
}

type CaptchaVerifierFunc func(ctx context.Context, key Key, token string) bool

func (f CaptchaVerifierFunc) Verify(ctx context.Context, key Key, token string) bool {
	return f(ctx, key, token)
}
