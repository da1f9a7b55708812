package application

import (
	"time"

	"abuse-gateway/middleware/ratelimit/domain"
)

// penalize é chamado a cada negação pela janela.
func penalize(rec *domain.Record, p domain.Policy, now time.Time) {
	rec.ConsecutiveFailures++

	if p.ProgressiveDelay {
		rec.IsBlocked = true
		rec.BlockUntil = now.Add(p.BlockDuration(rec.ConsecutiveFailures))
	}

	if p.CaptchaEnabled() && rec.ConsecutiveFailures >= p.CaptchaThreshold {
		rec.CaptchaRequired = true
	}
}

// activeBlock informa se há bloqueio vigente e limpa bloqueios expirados.
func activeBlock(rec *domain.Record, now time.Time) bool {
	if !rec.IsBlocked {
		return false
	}
	if now.Before(rec.BlockUntil) {
		return true
	}
	rec.IsBlocked = false
	rec.BlockUntil = time.Time{}
	return false
}

// clearCaptcha é o único caminho (fora do reset do store) que desliga a exigência.
func clearCaptcha(rec *domain.Record) {
	rec.CaptchaRequired = false
	rec.ConsecutiveFailures = 0
}
