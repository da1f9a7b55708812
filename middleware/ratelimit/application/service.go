package application

import (
	"time"

	"abuse-gateway/middleware/ratelimit/domain"
)

// Service concentra a regra de aplicação do gate.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas retorna uma decisão.
type Service struct {
	Policy     domain.Policy
	Store      domain.RecordStore
	Suspicious domain.SuspiciousRegistry
	Clock      domain.Clock
}

type Request struct {
	Key domain.Key
	// CaptchaValid indica que a requisição trouxe um token de CAPTCHA reconhecido.
	CaptchaValid bool
	// ClientKey é a identidade usada no detector de suspeitos (normalmente o IP).
	// Vazio usa Key.
	ClientKey domain.Key
}

// Decide roda a decisão inteira de uma chave dentro de uma única seção
// crítica do store, com um único instante "now".
func (s Service) Decide(req Request) domain.Decision {
	now := s.now()

	var dec domain.Decision
	s.Store.Do(req.Key, now, func(rec *domain.Record, created bool) {
		dec = s.evaluate(rec, req, now)
		dec.FirstSeen = created
	})

	// O detector é compartilhado entre políticas e tem lock próprio;
	// fica fora da seção crítica do registro.
	if dec.Outcome == domain.OutcomeExceeded && s.Suspicious != nil {
		dec.SuspiciousKey = req.Key
		if req.ClientKey != "" {
			dec.SuspiciousKey = req.ClientKey
		}
		dec.Violations, dec.Flagged = s.Suspicious.RecordViolation(dec.SuspiciousKey)
	}
	return dec
}

func (s Service) evaluate(rec *domain.Record, req Request, now time.Time) domain.Decision {
	p := s.Policy
	dec := domain.Decision{
		Key:    req.Key,
		Limit:  p.MaxAttempts,
		Window: p.Window,
		At:     now,
	}

	if activeBlock(rec, now) {
		count, start := windowView(rec, p, now)
		dec.Outcome = domain.OutcomeBlocked
		dec.Remaining = remaining(p, count)
		dec.ResetAt = start.Add(p.Window)
		dec.BlockUntil = rec.BlockUntil
		dec.RetryAfter = rec.BlockUntil.Sub(now)
		dec.ConsecutiveFailures = rec.ConsecutiveFailures
		dec.CaptchaRequired = rec.CaptchaRequired
		return dec
	}

	if rec.CaptchaRequired {
		if !req.CaptchaValid {
			count, start := windowView(rec, p, now)
			dec.Outcome = domain.OutcomeCaptchaRequired
			dec.Remaining = remaining(p, count)
			dec.ResetAt = start.Add(p.Window)
			dec.ConsecutiveFailures = rec.ConsecutiveFailures
			dec.CaptchaRequired = true
			return dec
		}
		// O token limpa a exigência mas não garante passagem: a mesma
		// requisição ainda passa pela janela e pode ser negada de novo.
		clearCaptcha(rec)
		dec.CaptchaCleared = true
	}

	allowed := countAttempt(rec, p, now)
	dec.Remaining = remaining(p, rec.Count)
	dec.ResetAt = rec.WindowEnd(p.Window)

	if allowed {
		dec.Outcome = domain.OutcomeAllowed
	} else {
		penalize(rec, p, now)
		dec.Outcome = domain.OutcomeExceeded
		dec.RetryAfter = dec.ResetAt.Sub(now)
		if rec.IsBlocked {
			dec.BlockUntil = rec.BlockUntil
			if d := rec.BlockUntil.Sub(now); d > dec.RetryAfter {
				dec.RetryAfter = d
			}
		}
	}

	dec.ConsecutiveFailures = rec.ConsecutiveFailures
	dec.CaptchaRequired = rec.CaptchaRequired
	return dec
}

func (s Service) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}
