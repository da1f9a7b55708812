package ratelimit

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"abuse-gateway/middleware/ratelimit/domain"
)

// AdminOptions configura a API administrativa.
type AdminOptions struct {
	// Token é exigido em "Authorization: Bearer <token>". Vazio recusa tudo.
	Token      string
	Gates      []*Gate
	Suspicious domain.SuspiciousRegistry
}

type recordView struct {
	Key                 string     `json:"key"`
	Count               int        `json:"count"`
	WindowStart         time.Time  `json:"windowStart"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	IsBlocked           bool       `json:"isBlocked"`
	BlockUntil          *time.Time `json:"blockUntil,omitempty"`
	CaptchaRequired     bool       `json:"captchaRequired"`
}

type policyView struct {
	Name             string `json:"name"`
	WindowMs         int64  `json:"windowMs"`
	MaxAttempts      int    `json:"maxAttempts"`
	ProgressiveDelay bool   `json:"progressiveDelay"`
	BlockBaseMs      int64  `json:"blockBaseMs,omitempty"`
	BlockMaxMs       int64  `json:"blockMaxMs,omitempty"`
	CaptchaThreshold int    `json:"captchaThreshold,omitempty"`
}

type messageBody struct {
	Error string `json:"error"`
}

// AdminHandler expõe as operações administrativas dos gates:
//
//	GET    /suspicious
//	DELETE /suspicious/{key}
//	GET    /policies
//	GET    /policies/{policy}/records/{key}
//	DELETE /policies/{policy}/records
func AdminHandler(opts AdminOptions) http.Handler {
	gates := make(map[string]*Gate, len(opts.Gates))
	for _, g := range opts.Gates {
		gates[g.Name()] = g
	}

	r := chi.NewRouter()
	r.Use(requireBearer(opts.Token))

	r.Get("/suspicious", func(w http.ResponseWriter, r *http.Request) {
		list := []string{}
		if opts.Suspicious != nil {
			list = opts.Suspicious.List()
		}
		respondJSON(w, http.StatusOK, map[string]any{"suspicious": list})
	})

	r.Delete("/suspicious/{key}", func(w http.ResponseWriter, r *http.Request) {
		key, ok := pathParam(w, r, "key")
		if !ok {
			return
		}
		if opts.Suspicious == nil || !opts.Suspicious.Clear(domain.Key(key)) {
			respondJSON(w, http.StatusNotFound, messageBody{Error: "key is not flagged"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/policies", func(w http.ResponseWriter, r *http.Request) {
		out := make([]policyView, 0, len(opts.Gates))
		for _, g := range opts.Gates {
			out = append(out, newPolicyView(g.Policy()))
		}
		respondJSON(w, http.StatusOK, map[string]any{"policies": out})
	})

	r.Route("/policies/{policy}", func(r chi.Router) {
		r.Get("/records/{key}", func(w http.ResponseWriter, r *http.Request) {
			g, ok := lookupGate(w, r, gates)
			if !ok {
				return
			}
			key, ok := pathParam(w, r, "key")
			if !ok {
				return
			}
			rec, found := g.Status(key)
			if !found {
				respondJSON(w, http.StatusNotFound, messageBody{Error: "no record for key"})
				return
			}
			respondJSON(w, http.StatusOK, newRecordView(rec))
		})

		r.Delete("/records", func(w http.ResponseWriter, r *http.Request) {
			g, ok := lookupGate(w, r, gates)
			if !ok {
				return
			}
			g.ClearAll()
			w.WriteHeader(http.StatusNoContent)
		})
	})

	return r
}

func requireBearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				respondJSON(w, http.StatusUnauthorized, messageBody{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func lookupGate(w http.ResponseWriter, r *http.Request, gates map[string]*Gate) (*Gate, bool) {
	name, ok := pathParam(w, r, "policy")
	if !ok {
		return nil, false
	}
	g, found := gates[name]
	if !found {
		respondJSON(w, http.StatusNotFound, messageBody{Error: "unknown policy"})
		return nil, false
	}
	return g, true
}

// pathParam decodifica o parâmetro: chaves podem conter ':' e '%'.
func pathParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v, err := url.PathUnescape(chi.URLParam(r, name))
	if err != nil || v == "" {
		respondJSON(w, http.StatusBadRequest, messageBody{Error: "invalid " + name})
		return "", false
	}
	return v, true
}

func newRecordView(rec domain.Record) recordView {
	v := recordView{
		Key:                 string(rec.Key),
		Count:               rec.Count,
		WindowStart:         rec.WindowStart,
		ConsecutiveFailures: rec.ConsecutiveFailures,
		IsBlocked:           rec.IsBlocked,
		CaptchaRequired:     rec.CaptchaRequired,
	}
	if !rec.BlockUntil.IsZero() {
		until := rec.BlockUntil
		v.BlockUntil = &until
	}
	return v
}

func newPolicyView(p domain.Policy) policyView {
	return policyView{
		Name:             p.Name,
		WindowMs:         p.Window.Milliseconds(),
		MaxAttempts:      p.MaxAttempts,
		ProgressiveDelay: p.ProgressiveDelay,
		BlockBaseMs:      p.BlockBase.Milliseconds(),
		BlockMaxMs:       p.BlockMax.Milliseconds(),
		CaptchaThreshold: p.CaptchaThreshold,
	}
}
