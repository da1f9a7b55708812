package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"errors"
	"time"
)

type Key string

// Record é o estado de contagem de uma chave dentro de uma política.
//
// BlockUntil zero significa "sem bloqueio".
type Record struct {
	Key                 Key
	Count               int
	WindowStart         time.Time
	ConsecutiveFailures int
	IsBlocked           bool
	BlockUntil          time.Time
	CaptchaRequired     bool
}

// WindowEnd é o instante em que a janela atual expira.
func (r Record) WindowEnd(window time.Duration) time.Time {
	return r.WindowStart.Add(window)
}

// Policy é a configuração imutável de uma instância do gate.
type Policy struct {
	Name             string
	Window           time.Duration
	MaxAttempts      int
	ProgressiveDelay bool
	BlockBase        time.Duration
	BlockMax         time.Duration
	// CaptchaThreshold <= 0 desliga a escalada para CAPTCHA.
	CaptchaThreshold int
}

var (
	errInvalidWindow    = errors.New("window must be > 0")
	errInvalidAttempts  = errors.New("max attempts must be >= 0")
	errInvalidThreshold = errors.New("captcha threshold must be >= 0")
	errInvalidBlock     = errors.New("block durations must be > 0 and base <= max")
)

func (p Policy) Validate() error {
	if p.Window <= 0 {
		return errInvalidWindow
	}
	if p.MaxAttempts < 0 {
		return errInvalidAttempts
	}
	if p.CaptchaThreshold < 0 {
		return errInvalidThreshold
	}
	if p.ProgressiveDelay && (p.BlockBase <= 0 || p.BlockMax < p.BlockBase) {
		return errInvalidBlock
	}
	return nil
}

// BlockDuration cresce exponencialmente com as falhas consecutivas:
// base * 2^(failures-1), limitado por BlockMax.
func (p Policy) BlockDuration(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := p.BlockBase
	for i := 1; i < failures; i++ {
		if d >= p.BlockMax/2 {
			return p.BlockMax
		}
		d *= 2
	}
	if d > p.BlockMax {
		return p.BlockMax
	}
	return d
}

func (p Policy) CaptchaEnabled() bool { return p.CaptchaThreshold > 0 }

// Outcome é o resultado de uma decisão do gate.
type Outcome int

const (
	OutcomeAllowed Outcome = iota
	OutcomeExceeded
	OutcomeBlocked
	OutcomeCaptchaRequired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllowed:
		return "allowed"
	case OutcomeExceeded:
		return "exceeded"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeCaptchaRequired:
		return "captcha_required"
	default:
		return "unknown"
	}
}

// Code devolve o código de erro correspondente; vazio quando permitido.
func (o Outcome) Code() Code {
	switch o {
	case OutcomeExceeded:
		return CodeLimitExceeded
	case OutcomeBlocked:
		return CodeBlocked
	case OutcomeCaptchaRequired:
		return CodeCaptchaRequired
	default:
		return ""
	}
}

// Decision carrega tudo o que o adapter HTTP precisa para montar headers,
// Retry-After e o evento de auditoria.
type Decision struct {
	Outcome Outcome
	Key     Key

	Limit     int
	Remaining int
	ResetAt   time.Time
	Window    time.Duration

	// RetryAfter é o tempo recomendado até uma nova tentativa quando negado.
	RetryAfter time.Duration
	BlockUntil time.Time

	ConsecutiveFailures int
	CaptchaRequired     bool
	// CaptchaCleared indica que um token válido limpou a exigência nesta requisição.
	CaptchaCleared bool

	// Violations e Flagged vêm do detector de atividade suspeita (apenas em
	// OutcomeExceeded), contados sob SuspiciousKey.
	SuspiciousKey Key
	Violations    int
	Flagged       bool

	// FirstSeen indica que o registro foi criado nesta decisão.
	FirstSeen bool

	At time.Time
}

func (d Decision) Allowed() bool { return d.Outcome == OutcomeAllowed }

// Clock permite fixar o tempo em testes.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
