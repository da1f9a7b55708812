package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"abuse-gateway/middleware/ratelimit"
	"abuse-gateway/middleware/ratelimit/domain"
	"abuse-gateway/middleware/ratelimit/infra"
)

const captchaIssuer = "example-server"

func main() {
	os.Exit(run())
}

func run() int {
	// Exemplo: injetando o gate diretamente no seu webserver (sem proxy)
	_ = godotenv.Load()
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	secret := os.Getenv("CAPTCHA_JWT_SECRET")
	if secret == "" {
		secret = "dev-only-secret"
		log.Warn("CAPTCHA_JWT_SECRET not set, using a development secret")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	suspicious := infra.NewSuspiciousRegistry(infra.DefaultSuspiciousThreshold, time.Hour)
	audit := infra.NewMemoryAuditSink(infra.WithTrackKeys(true))

	opts := ratelimit.LoginOptions(ratelimit.RemoteAddr())
	opts.Captcha = infra.NewJWTCaptchaVerifier(secret, infra.WithCaptchaIssuer(captchaIssuer))
	opts.Suspicious = suspicious
	opts.Audit = infra.MultiSink{audit, infra.NewLogSink(log)}
	opts.Logger = log
	opts.OnLimitReached = func(r *http.Request) {
		log.Info("login limit reached", "remote", r.RemoteAddr)
	}
	login := ratelimit.MustNew(opts)
	login.StartJanitor(ctx)

	mux := http.NewServeMux()
	mux.Handle("POST /login", login.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// credenciais sempre inválidas: cada tentativa conta para o limite
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("invalid credentials\n"))
	})))

	// Simula o backend de CAPTCHA: "resolve" o desafio e devolve um token
	// amarrado à mesma chave que o gate de login calcula.
	keyFn := ratelimit.LoginKeyFunc(ratelimit.RemoteAddr())
	mux.HandleFunc("POST /captcha/solve", func(w http.ResponseWriter, r *http.Request) {
		key, err := keyFn(r)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		token, err := infra.IssueCaptchaToken(secret, domain.Key(key), 5*time.Minute, captchaIssuer)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"header": ratelimit.DefaultCaptchaHeader, "token": token})
	})

	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"byCode":     audit.ByCode(),
			"suspicious": login.SuspiciousIPs(),
		})
	})

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("example server listening", "addr", addr)
	code := 0
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server error", "error", err)
		code = 1
		cancel()
	}
	// só depois que os handlers terminaram: nenhum Dispatch concorre com o Wait
	<-drained
	login.Close()
	return code
}
