package application

import (
	"time"

	"abuse-gateway/middleware/ratelimit/domain"
)

// windowExpired usa !Before para que o instante exato de expiração já abra
// uma nova janela.
func windowExpired(rec *domain.Record, p domain.Policy, now time.Time) bool {
	return !now.Before(rec.WindowEnd(p.Window))
}

// rollWindow reinicia a contagem quando a janela expirou. Bloqueio e CAPTCHA
// têm relógios próprios e não são tocados aqui; as falhas consecutivas só
// zeram se a janela que terminou não teve violação.
func rollWindow(rec *domain.Record, p domain.Policy, now time.Time) {
	if !windowExpired(rec, p, now) {
		return
	}
	if rec.Count <= p.MaxAttempts {
		rec.ConsecutiveFailures = 0
	}
	rec.Count = 0
	rec.WindowStart = now
}

// countAttempt aplica o contador de janela fixa e diz se a tentativa passa.
func countAttempt(rec *domain.Record, p domain.Policy, now time.Time) bool {
	rollWindow(rec, p, now)
	rec.Count++
	return rec.Count <= p.MaxAttempts
}

// windowView devolve contagem e início da janela como seriam vistos agora,
// sem alterar o registro.
func windowView(rec *domain.Record, p domain.Policy, now time.Time) (int, time.Time) {
	if windowExpired(rec, p, now) {
		return 0, now
	}
	return rec.Count, rec.WindowStart
}

func remaining(p domain.Policy, count int) int {
	if r := p.MaxAttempts - count; r > 0 {
		return r
	}
	return 0
}
