package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"abuse-gateway/middleware/ratelimit/application"
	"abuse-gateway/middleware/ratelimit/domain"
	"abuse-gateway/middleware/ratelimit/infra"
)

const (
	DefaultCaptchaHeader = "X-Captcha-Token"
	DefaultBlockBase     = time.Second
	DefaultBlockMax      = 15 * time.Minute
	defaultAuditSlots    = 64
)

// ErrorHandler recebe todas as negativas do gate. err é sempre um *domain.Error.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

type Options struct {
	Name        string
	Window      time.Duration
	MaxAttempts int

	// KeyFn tem prioridade; sem ela a chave é o IP obtido de IPSources
	// (DefaultIPSources quando vazio).
	KeyFn     KeyFunc
	IPSources []IPSource
	// SuspiciousKeyFn dá a identidade contada no detector de suspeitos quando
	// ela difere da chave de limite (ex.: login, onde a chave inclui o e-mail).
	// Sem ela (ou se falhar) conta-se a própria chave.
	SuspiciousKeyFn KeyFunc

	ProgressiveDelay bool
	BlockBase        time.Duration
	BlockMax         time.Duration

	CaptchaThreshold int
	CaptchaHeader    string
	// Captcha nil: nenhum token é reconhecido.
	Captcha domain.CaptchaVerifier

	// OnLimitReached roda quando a janela nega a requisição. Panics são engolidos.
	OnLimitReached func(r *http.Request)

	Store        domain.RecordStore
	Suspicious   domain.SuspiciousRegistry
	Audit        domain.AuditSink
	AuditSlots   int64
	AuditTimeout time.Duration

	ErrorHandler ErrorHandler
	Clock        domain.Clock
	Logger       *slog.Logger
}

// Gate é uma instância configurada do middleware. Cada gate tem seu próprio
// store; o registro de suspeitos pode ser compartilhado.
type Gate struct {
	policy        domain.Policy
	svc           application.Service
	store         domain.RecordStore
	suspicious    domain.SuspiciousRegistry
	keyFn         KeyFunc
	suspectKeyFn  KeyFunc
	captcha       domain.CaptchaVerifier
	captchaHeader string
	onLimit       func(*http.Request)
	audit         *application.AuditDispatcher
	onError       ErrorHandler
	log           *slog.Logger
}

func New(opts Options) (*Gate, error) {
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.ProgressiveDelay {
		if opts.BlockBase == 0 {
			opts.BlockBase = DefaultBlockBase
		}
		if opts.BlockMax == 0 {
			opts.BlockMax = DefaultBlockMax
		}
		if opts.BlockMax < opts.BlockBase {
			opts.BlockMax = opts.BlockBase
		}
	}

	policy := domain.Policy{
		Name:             opts.Name,
		Window:           opts.Window,
		MaxAttempts:      opts.MaxAttempts,
		ProgressiveDelay: opts.ProgressiveDelay,
		BlockBase:        opts.BlockBase,
		BlockMax:         opts.BlockMax,
		CaptchaThreshold: opts.CaptchaThreshold,
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("ratelimit %q: %w", opts.Name, err)
	}

	if opts.KeyFn == nil {
		opts.KeyFn = IPKeyFunc(opts.IPSources...)
	}
	if opts.CaptchaHeader == "" {
		opts.CaptchaHeader = DefaultCaptchaHeader
	}
	if opts.Store == nil {
		opts.Store = infra.NewStore(opts.Window)
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ErrorHandler == nil {
		opts.ErrorHandler = DefaultErrorHandler
	}
	log := opts.Logger.With("policy", opts.Name)

	var audit *application.AuditDispatcher
	if opts.Audit != nil {
		slots := opts.AuditSlots
		if slots <= 0 {
			slots = defaultAuditSlots
		}
		audit = application.NewAuditDispatcher(opts.Audit, infra.NewSemaphorePool(slots), opts.AuditTimeout, log)
	}

	return &Gate{
		policy: policy,
		svc: application.Service{
			Policy:     policy,
			Store:      opts.Store,
			Suspicious: opts.Suspicious,
			Clock:      opts.Clock,
		},
		store:         opts.Store,
		suspicious:    opts.Suspicious,
		keyFn:         opts.KeyFn,
		suspectKeyFn:  opts.SuspiciousKeyFn,
		captcha:       opts.Captcha,
		captchaHeader: opts.CaptchaHeader,
		onLimit:       opts.OnLimitReached,
		audit:         audit,
		onError:       opts.ErrorHandler,
		log:           log,
	}, nil
}

// MustNew é New para configurações fixas no código (presets, exemplos).
func MustNew(opts Options) *Gate {
	g, err := New(opts)
	if err != nil {
		panic(err)
	}
	return g
}

func (g *Gate) Name() string          { return g.policy.Name }
func (g *Gate) Policy() domain.Policy { return g.policy }

// Middleware devolve o gate no formato func(http.Handler) http.Handler
// (compatível com chi.Router.Use).
func (g *Gate) Middleware() func(next http.Handler) http.Handler {
	return g.Handler
}

func (g *Gate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dec, err := g.Check(r)
		if err != nil {
			g.log.Error("rate limit evaluation failed", "method", r.Method, "path", r.URL.Path, "error", err)
			g.report(r, domain.AuditEvent{Kind: domain.AuditDenied, Code: domain.CodeSystemError, Detail: err.Error()})
			g.onError(w, r, err)
			return
		}

		setRateLimitHeaders(w.Header(), dec)
		if dec.Allowed() {
			next.ServeHTTP(w, r)
			return
		}
		g.onError(w, r, domain.NewDecisionError(dec))
	})
}

// Check avalia a requisição e aplica os efeitos colaterais de uma negativa
// (hook, auditoria), sem escrever a resposta. O erro, quando não nil, é um
// *domain.Error com CodeSystemError.
func (g *Gate) Check(r *http.Request) (domain.Decision, error) {
	raw, err := safeKey(g.keyFn, r)
	if err != nil {
		return domain.Decision{}, domain.NewSystemError(err)
	}
	key := domain.Key(raw)

	dec := g.svc.Decide(application.Request{
		Key:          key,
		CaptchaValid: g.captchaValid(r, key),
		ClientKey:    g.clientKey(r),
	})
	if dec.FirstSeen {
		g.log.Debug("new key observed", "key", key)
	}

	switch dec.Outcome {
	case domain.OutcomeExceeded:
		g.limitReached(r)
		g.log.Debug("rate limit exceeded", "key", key, "failures", dec.ConsecutiveFailures, "blocked_until", dec.BlockUntil)
	case domain.OutcomeBlocked:
		g.log.Debug("blocked identifier rejected", "key", key, "blocked_until", dec.BlockUntil)
	case domain.OutcomeCaptchaRequired:
		g.log.Debug("captcha required", "key", key)
	}
	if dec.CaptchaCleared {
		g.log.Info("captcha verified, penalty cleared", "key", key)
	}

	if !dec.Allowed() {
		g.report(r, domain.AuditEvent{
			Kind:                domain.AuditDenied,
			Code:                dec.Outcome.Code(),
			Key:                 key,
			ConsecutiveFailures: dec.ConsecutiveFailures,
			Violations:          dec.Violations,
			At:                  dec.At,
		})
	}
	if dec.Flagged {
		g.log.Warn("suspicious activity detected", "key", dec.SuspiciousKey, "violations", dec.Violations)
		g.report(r, domain.AuditEvent{
			Kind:       domain.AuditSuspicious,
			Key:        dec.SuspiciousKey,
			Violations: dec.Violations,
			Detail:     fmt.Sprintf("%d violations", dec.Violations),
			At:         dec.At,
		})
	}
	return dec, nil
}

func (g *Gate) captchaValid(r *http.Request, key domain.Key) bool {
	if !g.policy.CaptchaEnabled() || g.captcha == nil {
		return false
	}
	token := strings.TrimSpace(r.Header.Get(g.captchaHeader))
	if token == "" {
		return false
	}
	// Só verifica se o desafio está ativo: tokens de uso único não podem ser
	// consumidos por requisições que não precisavam deles.
	if rec, ok := g.store.Get(key); !ok || !rec.CaptchaRequired {
		return false
	}
	return g.captcha.Verify(r.Context(), key, token)
}

func (g *Gate) clientKey(r *http.Request) domain.Key {
	if g.suspectKeyFn == nil {
		return ""
	}
	k, err := safeKey(g.suspectKeyFn, r)
	if err != nil {
		g.log.Debug("suspicious key unavailable, using rate limit key", "error", err)
		return ""
	}
	return domain.Key(k)
}

func (g *Gate) limitReached(r *http.Request) {
	if g.onLimit == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			g.log.Error("onLimitReached panicked", "panic", p)
		}
	}()
	g.onLimit(r)
}

func (g *Gate) report(r *http.Request, ev domain.AuditEvent) {
	if g.audit == nil {
		return
	}
	ev.Policy = g.policy.Name
	ev.Method = r.Method
	ev.Path = r.URL.Path
	if !g.audit.Dispatch(ev) {
		g.log.Debug("audit event dropped", "kind", ev.Kind, "code", ev.Code)
	}
}

// Status devolve uma cópia do registro da chave nesta política.
func (g *Gate) Status(key string) (domain.Record, bool) {
	return g.store.Get(domain.Key(key))
}

// ClearAll zera todos os registros desta política (bloqueios e CAPTCHA inclusos).
func (g *Gate) ClearAll() {
	g.store.Clear()
	g.log.Info("rate limit records cleared")
}

func (g *Gate) SuspiciousIPs() []string {
	if g.suspicious == nil {
		return []string{}
	}
	return g.suspicious.List()
}

func (g *Gate) ClearSuspiciousIP(key string) bool {
	if g.suspicious == nil {
		return false
	}
	return g.suspicious.Clear(domain.Key(key))
}

// StartJanitor limpa registros ociosos periodicamente, se o store suportar.
func (g *Gate) StartJanitor(ctx context.Context) bool {
	j, ok := g.store.(janitor)
	if !ok {
		return false
	}
	j.StartJanitor(ctx)
	return true
}

type janitor interface {
	StartJanitor(ctx infra.DoneContext)
}

// Close espera as entregas de auditoria em andamento.
func (g *Gate) Close() {
	g.audit.Wait()
}

// AuditDropped é o total de eventos descartados por falta de vaga.
func (g *Gate) AuditDropped() int64 {
	if g.audit == nil {
		return 0
	}
	return g.audit.Dropped()
}

func setRateLimitHeaders(h http.Header, dec domain.Decision) {
	h.Set("X-RateLimit-Limit", formatInt(dec.Limit))
	h.Set("X-RateLimit-Remaining", formatInt(dec.Remaining))
	h.Set("X-RateLimit-Reset", formatInt64(dec.ResetAt.Unix()))
	h.Set("X-RateLimit-Window", formatInt64(dec.Window.Milliseconds()))
}

type errorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int64  `json:"retryAfter,omitempty"`
}

// DefaultErrorHandler responde JSON com o código do erro; 429 para negativas
// de limite e 500 para falhas do próprio gate.
func DefaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.CodeSystemError
	var retry time.Duration
	var e *domain.Error
	if errors.As(err, &e) {
		code = e.Code
		retry = e.RetryAfter
	}

	status := http.StatusInternalServerError
	msg := "unable to evaluate rate limit"
	switch code {
	case domain.CodeLimitExceeded:
		status, msg = http.StatusTooManyRequests, "too many requests, please try again later"
	case domain.CodeBlocked:
		status, msg = http.StatusTooManyRequests, "too many failed attempts, temporarily blocked"
	case domain.CodeCaptchaRequired:
		status, msg = http.StatusTooManyRequests, "captcha verification required"
	}

	body := errorBody{Error: msg, Code: string(code)}
	if secs := ceilSeconds(retry); secs > 0 {
		w.Header().Set("Retry-After", formatInt64(secs))
		body.RetryAfter = secs
	}
	respondJSON(w, status, body)
}
