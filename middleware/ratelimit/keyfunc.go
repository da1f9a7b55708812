package ratelimit

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// KeyFunc deriva a identidade da requisição. Um erro (ou chave vazia) vira
// RATE_LIMIT_SYSTEM_ERROR: nunca caímos numa chave compartilhada.
type KeyFunc func(r *http.Request) (string, error)

// IPSource extrai o IP do cliente de uma fonte; "" quando a fonte não traz
// um endereço válido.
type IPSource func(r *http.Request) string

var ErrNoClientIP = errors.New("no client ip could be determined")

// ForwardedFor pega o primeiro IP do X-Forwarded-For (cliente original).
// Só é confiável atrás de um proxy que sobrescreve o header.
func ForwardedFor() IPSource {
	return func(r *http.Request) string {
		xff := r.Header.Get("X-Forwarded-For")
		if xff == "" {
			return ""
		}
		first, _, _ := strings.Cut(xff, ",")
		return parseIP(first)
	}
}

// HeaderIP lê um header que carrega um único IP (X-Real-IP, CF-Connecting-IP...).
func HeaderIP(name string) IPSource {
	return func(r *http.Request) string {
		return parseIP(r.Header.Get(name))
	}
}

func RealIP() IPSource         { return HeaderIP("X-Real-IP") }
func CFConnectingIP() IPSource { return HeaderIP("CF-Connecting-IP") }

// RemoteAddr usa o endereço da conexão. Endereços que não são IP (ex.: "@"
// de um listener unix) são devolvidos como vieram.
func RemoteAddr() IPSource {
	return func(r *http.Request) string {
		hostPort := strings.TrimSpace(r.RemoteAddr)
		if hostPort == "" {
			return ""
		}
		if addr, err := netip.ParseAddrPort(hostPort); err == nil {
			return addr.Addr().Unmap().String()
		}
		if host, _, err := net.SplitHostPort(hostPort); err == nil && host != "" {
			if ip := parseIP(host); ip != "" {
				return ip
			}
			return host
		}
		if ip := parseIP(hostPort); ip != "" {
			return ip
		}
		return hostPort
	}
}

// DefaultIPSources é a cadeia padrão: X-Forwarded-For, X-Real-IP,
// CF-Connecting-IP e por fim RemoteAddr. Quem não está atrás de proxy deve
// usar só RemoteAddr(): qualquer cliente consegue forjar esses headers.
func DefaultIPSources() []IPSource {
	return []IPSource{ForwardedFor(), RealIP(), CFConnectingIP(), RemoteAddr()}
}

// ClientIP percorre as fontes em ordem e devolve o primeiro IP válido.
func ClientIP(r *http.Request, sources []IPSource) (string, error) {
	for _, src := range sources {
		if ip := src(r); ip != "" {
			return ip, nil
		}
	}
	return "", ErrNoClientIP
}

// IPKeyFunc usa o IP do cliente como chave.
func IPKeyFunc(sources ...IPSource) KeyFunc {
	if len(sources) == 0 {
		sources = DefaultIPSources()
	}
	return func(r *http.Request) (string, error) {
		return ClientIP(r, sources)
	}
}

func parseIP(raw string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}

// safeKey roda a KeyFunc convertendo panic e chave vazia em erro.
func safeKey(fn KeyFunc, r *http.Request) (key string, err error) {
	defer func() {
		if p := recover(); p != nil {
			key, err = "", fmt.Errorf("key function panicked: %v", p)
		}
	}()

	key, err = fn(r)
	if err != nil {
		return "", fmt.Errorf("key function: %w", err)
	}
	if strings.TrimSpace(key) == "" {
		return "", errors.New("key function returned an empty key")
	}
	return key, nil
}
