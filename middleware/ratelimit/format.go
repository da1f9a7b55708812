package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

func formatInt(v int) string     { return strconv.Itoa(v) }
func formatInt64(v int64) string { return strconv.FormatInt(v, 10) }

// ceilSeconds arredonda para cima: Retry-After nunca pode mandar o cliente
// voltar antes da hora.
func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
