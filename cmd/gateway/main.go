package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"abuse-gateway/middleware/ratelimit"
	"abuse-gateway/middleware/ratelimit/domain"
	"abuse-gateway/middleware/ratelimit/infra"
)

func main() {
	os.Exit(run())
}

// run devolve o código de saída; os defers (fechamento dos sinks) sempre rodam.
func run() int {
	_ = godotenv.Load()

	cfg, err := readConfig()
	if err != nil {
		slog.Error("config error", "error", err)
		return 1
	}
	log := newLogger(cfg.logFormat, cfg.logLevel)
	slog.SetDefault(log)

	target, err := url.Parse(cfg.upstreamURL)
	if err != nil {
		log.Error("invalid UPSTREAM_URL", "error", err)
		return 1
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error("proxy error", "path", r.URL.Path, "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sink, closeSinks, err := buildAuditSink(ctx, cfg, log)
	if err != nil {
		log.Error("audit sink error", "error", err)
		return 1
	}
	defer closeSinks()

	suspicious := infra.NewSuspiciousRegistry(cfg.suspiciousThreshold, cfg.suspiciousTTL)

	var captcha domain.CaptchaVerifier
	if cfg.captchaSecret != "" {
		captcha = infra.NewJWTCaptchaVerifier(cfg.captchaSecret, infra.WithCaptchaIssuer(cfg.captchaIssuer))
	}

	sources := ratelimit.DefaultIPSources()
	if !cfg.trustProxyHeaders {
		sources = []ratelimit.IPSource{ratelimit.RemoteAddr()}
	}

	shared := func(opts ratelimit.Options, p policyConfig) ratelimit.Options {
		opts.Window = p.window
		opts.MaxAttempts = p.maxAttempts
		if opts.KeyFn == nil {
			opts.IPSources = sources
		}
		opts.Captcha = captcha
		opts.Suspicious = suspicious
		opts.Audit = sink
		opts.AuditSlots = cfg.auditSlots
		opts.Logger = log
		opts.Store = infra.NewStore(p.window, infra.WithCleanupEvery(cfg.cleanupEvery))
		return opts
	}

	loginGate, err := ratelimit.New(shared(ratelimit.LoginOptions(sources...), cfg.login))
	if err != nil {
		log.Error("login gate", "error", err)
		return 1
	}
	authGate, err := ratelimit.New(shared(ratelimit.AuthOptions(), cfg.auth))
	if err != nil {
		log.Error("auth gate", "error", err)
		return 1
	}
	apiGate, err := ratelimit.New(shared(ratelimit.APIOptions(), cfg.api))
	if err != nil {
		log.Error("api gate", "error", err)
		return 1
	}
	gates := []*ratelimit.Gate{loginGate, authGate, apiGate}
	for _, g := range gates {
		g.StartJanitor(ctx)
	}

	r := chi.NewRouter()
	if cfg.adminToken != "" {
		r.Mount(cfg.adminPrefix, ratelimit.AdminHandler(ratelimit.AdminOptions{
			Token:      cfg.adminToken,
			Gates:      gates,
			Suspicious: suspicious,
		}))
	}
	r.With(loginGate.Middleware()).Post(cfg.loginPath, proxy.ServeHTTP)
	r.With(authGate.Middleware()).Handle(strings.TrimSuffix(cfg.authPrefix, "/")+"/*", proxy)
	r.With(apiGate.Middleware()).Handle("/*", proxy)

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.listenAddr)
	if err != nil {
		log.Error("listen error", "error", err)
		return 1
	}

	log.Info("gateway listening", "addr", cfg.listenAddr, "upstream", target.String())
	for _, g := range gates {
		p := g.Policy()
		log.Info("policy", "name", p.Name, "window", p.Window, "max", p.MaxAttempts,
			"progressive", p.ProgressiveDelay, "captchaThreshold", p.CaptchaThreshold)
	}
	log.Info("abuse detection", "suspiciousThreshold", suspicious.Threshold(), "trustProxyHeaders", cfg.trustProxyHeaders,
		"captcha", captcha != nil, "admin", cfg.adminToken != "")

	code := 0
	if err := serve(ctx, srv, ln, 10*time.Second, log); err != nil {
		log.Error("server error", "error", err)
		code = 1
	}

	// handlers já drenaram: nenhum Dispatch concorre com o Close, e os sinks
	// (defer closeSinks) fecham por último.
	for _, g := range gates {
		g.Close()
		if n := g.AuditDropped(); n > 0 {
			log.Warn("audit events dropped", "policy", g.Name(), "count", n)
		}
	}
	return code
}

// serve atende até ctx ser cancelado e só retorna depois que os handlers em
// andamento terminaram (ou o prazo grace acabou).
func serve(ctx context.Context, srv *http.Server, ln net.Listener, grace time.Duration, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown failed", "error", err)
		}
	}()

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	cancel()
	<-drained
	return err
}

// buildAuditSink monta o fan-out: log sempre, Redis e Postgres quando configurados,
// tudo atrás do limitador de eventos por segundo.
func buildAuditSink(ctx context.Context, cfg config, log *slog.Logger) (domain.AuditSink, func(), error) {
	sinks := infra.MultiSink{infra.NewLogSink(log)}
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.auditRedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.auditRedisAddr,
			Password: cfg.auditRedisPassword,
			DB:       cfg.auditRedisDB,
		})
		closers = append(closers, func() { _ = rdb.Close() })

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := rdb.Ping(pingCtx).Result()
		cancel()
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("redis audit ping: %w", err)
		}

		sinks = append(sinks, infra.NewRedisAuditSink(
			rdb,
			infra.WithAuditPrefix(cfg.auditRedisPrefix),
			infra.WithAuditTTL(cfg.auditRedisTTL),
			infra.WithAuditBucket(cfg.auditRedisBucket),
			infra.WithAuditTrackKeys(cfg.auditRedisTrackKeys),
		))
	}

	if cfg.auditDatabaseURL != "" {
		pool, err := infra.NewPgPool(ctx, cfg.auditDatabaseURL)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, pool.Close)

		pg := infra.NewPostgresAuditSink(pool, cfg.auditTable)
		if err := pg.EnsureSchema(ctx); err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, pg)
	}

	var sink domain.AuditSink = sinks
	if cfg.auditPerSecond > 0 {
		sink = infra.NewThrottledSink(sinks, cfg.auditPerSecond, cfg.auditBurst)
	}
	return sink, closeAll, nil
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

type policyConfig struct {
	window      time.Duration
	maxAttempts int
}

type config struct {
	listenAddr        string
	upstreamURL       string
	logFormat         string
	logLevel          string
	trustProxyHeaders bool
	cleanupEvery      time.Duration

	loginPath  string
	authPrefix string
	login      policyConfig
	auth       policyConfig
	api        policyConfig

	suspiciousThreshold int
	suspiciousTTL       time.Duration

	captchaSecret string
	captchaIssuer string

	adminToken  string
	adminPrefix string

	auditSlots          int64
	auditPerSecond      float64
	auditBurst          int
	auditRedisAddr      string
	auditRedisPassword  string
	auditRedisDB        int
	auditRedisPrefix    string
	auditRedisTTL       time.Duration
	auditRedisBucket    string
	auditRedisTrackKeys bool
	auditDatabaseURL    string
	auditTable          string
}

func readConfig() (config, error) {
	cfg := config{}
	cfg.listenAddr = getenvDefault("LISTEN_ADDR", ":8080")
	cfg.upstreamURL = stringsRequired("UPSTREAM_URL")
	cfg.logFormat = getenvDefault("LOG_FORMAT", "json")
	cfg.logLevel = getenvDefault("LOG_LEVEL", "info")
	// IMPORTANTE: só ligue atrás de um proxy que sobrescreve X-Forwarded-For;
	// caso contrário qualquer cliente escolhe a própria chave.
	cfg.trustProxyHeaders = getenvBoolDefault("TRUST_PROXY_HEADERS", false)
	cfg.cleanupEvery = getenvDurationDefault("STORE_CLEANUP_EVERY", 2*time.Minute)

	auth, api := ratelimit.AuthOptions(), ratelimit.APIOptions()
	cfg.loginPath = getenvDefault("LOGIN_PATH", "/login")
	cfg.authPrefix = getenvDefault("AUTH_PREFIX", "/auth")
	cfg.login = policyConfig{
		window:      getenvDurationDefault("LOGIN_WINDOW", auth.Window),
		maxAttempts: getenvIntDefault("LOGIN_MAX_ATTEMPTS", auth.MaxAttempts),
	}
	cfg.auth = policyConfig{
		window:      getenvDurationDefault("AUTH_WINDOW", auth.Window),
		maxAttempts: getenvIntDefault("AUTH_MAX_ATTEMPTS", auth.MaxAttempts),
	}
	cfg.api = policyConfig{
		window:      getenvDurationDefault("API_WINDOW", api.Window),
		maxAttempts: getenvIntDefault("API_MAX_ATTEMPTS", api.MaxAttempts),
	}

	cfg.suspiciousThreshold = getenvIntDefault("SUSPICIOUS_THRESHOLD", infra.DefaultSuspiciousThreshold)
	cfg.suspiciousTTL = getenvDurationDefault("SUSPICIOUS_TTL", 0)

	cfg.captchaSecret = os.Getenv("CAPTCHA_JWT_SECRET")
	cfg.captchaIssuer = getenvDefault("CAPTCHA_JWT_ISSUER", "")

	cfg.adminToken = os.Getenv("ADMIN_TOKEN")
	cfg.adminPrefix = getenvDefault("ADMIN_PREFIX", "/_admin")

	cfg.auditSlots = int64(getenvIntDefault("AUDIT_SLOTS", 64))
	cfg.auditPerSecond = getenvFloatDefault("AUDIT_MAX_PER_SECOND", 50)
	cfg.auditBurst = getenvIntDefault("AUDIT_BURST", 100)
	cfg.auditRedisAddr = getenvDefault("AUDIT_REDIS_ADDR", "")
	cfg.auditRedisPassword = os.Getenv("AUDIT_REDIS_PASSWORD")
	cfg.auditRedisDB = getenvIntDefault("AUDIT_REDIS_DB", 0)
	cfg.auditRedisPrefix = getenvDefault("AUDIT_REDIS_PREFIX", "ratelimit:audit")
	cfg.auditRedisTTL = getenvDurationDefault("AUDIT_REDIS_TTL", 24*time.Hour)
	cfg.auditRedisBucket = getenvDefault("AUDIT_REDIS_BUCKET", "minute")
	cfg.auditRedisTrackKeys = getenvBoolDefault("AUDIT_REDIS_TRACK_KEYS", false)
	cfg.auditDatabaseURL = os.Getenv("AUDIT_DATABASE_URL")
	cfg.auditTable = getenvDefault("AUDIT_TABLE", "rate_limit_events")

	if cfg.upstreamURL == "" {
		return config{}, errors.New("UPSTREAM_URL is required")
	}
	for name, p := range map[string]policyConfig{"LOGIN": cfg.login, "AUTH": cfg.auth, "API": cfg.api} {
		if p.window <= 0 {
			return config{}, fmt.Errorf("%s_WINDOW must be > 0", name)
		}
		if p.maxAttempts < 0 {
			return config{}, fmt.Errorf("%s_MAX_ATTEMPTS must be >= 0", name)
		}
	}
	if !strings.HasPrefix(cfg.loginPath, "/") || !strings.HasPrefix(cfg.authPrefix, "/") || !strings.HasPrefix(cfg.adminPrefix, "/") {
		return config{}, errors.New("LOGIN_PATH, AUTH_PREFIX and ADMIN_PREFIX must start with /")
	}
	if cfg.auditSlots <= 0 {
		return config{}, errors.New("AUDIT_SLOTS must be > 0")
	}
	return cfg, nil
}

func stringsRequired(k string) string { return os.Getenv(k) }

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvFloatDefault(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
