package ratelimit

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// maxLoginBody é o máximo que o preset de login lê do corpo para achar o e-mail.
const maxLoginBody = 64 << 10

// AuthOptions é o preset estrito para endpoints de autenticação:
// 5 tentativas a cada 15 minutos, bloqueio progressivo e CAPTCHA a partir da
// terceira falha consecutiva.
func AuthOptions() Options {
	return Options{
		Name:             "auth",
		Window:           15 * time.Minute,
		MaxAttempts:      5,
		ProgressiveDelay: true,
		BlockBase:        time.Minute,
		BlockMax:         time.Hour,
		CaptchaThreshold: 3,
	}
}

// LoginOptions é AuthOptions com a chave combinando IP e e-mail enviado,
// para que um atacante não esgote o limite de outros usuários atrás do mesmo IP.
func LoginOptions(sources ...IPSource) Options {
	opts := AuthOptions()
	opts.Name = "login"
	opts.KeyFn = LoginKeyFunc(sources...)
	// violações contam por IP: um IP testando muitos e-mails precisa aparecer
	// como suspeito mesmo com cada e-mail abaixo do limite.
	opts.SuspiciousKeyFn = IPKeyFunc(sources...)
	return opts
}

// APIOptions é o preset geral: 100 requisições a cada 15 minutos, sem penalidade.
func APIOptions() Options {
	return Options{
		Name:        "api",
		Window:      15 * time.Minute,
		MaxAttempts: 100,
	}
}

// LoginKeyFunc gera "login:<ip>:<digest do e-mail>", ou "login:<ip>" quando o
// corpo não traz e-mail. O corpo continua disponível para o handler.
func LoginKeyFunc(sources ...IPSource) KeyFunc {
	if len(sources) == 0 {
		sources = DefaultIPSources()
	}
	return func(r *http.Request) (string, error) {
		ip, err := ClientIP(r, sources)
		if err != nil {
			return "", err
		}
		email, err := submittedEmail(r)
		if err != nil {
			return "", err
		}
		if email == "" {
			return "login:" + ip, nil
		}
		return "login:" + ip + ":" + emailDigest(email), nil
	}
}

// submittedEmail lê o campo "email" de um corpo JSON ou form e devolve o corpo
// intacto em r.Body.
func submittedEmail(r *http.Request) (string, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return "", nil
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, maxLoginBody+1))
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
	if err != nil {
		return "", fmt.Errorf("read login body: %w", err)
	}
	if len(buf) > maxLoginBody {
		return "", nil
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var email string
	switch mediaType {
	case "application/json":
		var body struct {
			Email string `json:"email"`
		}
		if json.Unmarshal(buf, &body) == nil {
			email = body.Email
		}
	case "application/x-www-form-urlencoded":
		if values, err := url.ParseQuery(string(buf)); err == nil {
			email = values.Get("email")
		}
	}
	return strings.ToLower(strings.TrimSpace(email)), nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// emailDigest evita guardar o e-mail em claro nas chaves (e nos eventos de auditoria).
func emailDigest(email string) string {
	sum := blake2b.Sum256([]byte(email))
	return hex.EncodeToString(sum[:16])
}
