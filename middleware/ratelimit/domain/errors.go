package domain

import (
	"errors"
	"fmt"
	"time"
)

// Code identifica o tipo de falha para o error handler do host.
type Code string

const (
	CodeLimitExceeded   Code = "RATE_LIMIT_EXCEEDED"
	CodeBlocked         Code = "RATE_LIMIT_IP_BLOCKED"
	CodeCaptchaRequired Code = "CAPTCHA_REQUIRED"
	CodeSystemError     Code = "RATE_LIMIT_SYSTEM_ERROR"
)

var (
	ErrLimitExceeded   = errors.New("rate limit exceeded")
	ErrBlocked         = errors.New("identifier is blocked")
	ErrCaptchaRequired = errors.New("captcha required")
	ErrSystem          = errors.New("rate limit system error")
)

func (c Code) sentinel() error {
	switch c {
	case CodeLimitExceeded:
		return ErrLimitExceeded
	case CodeBlocked:
		return ErrBlocked
	case CodeCaptchaRequired:
		return ErrCaptchaRequired
	case CodeSystemError:
		return ErrSystem
	default:
		return nil
	}
}

// Error é o erro entregue à continuação do middleware.
// Carrega o código e os dados necessários para calcular um Retry-After.
type Error struct {
	Code       Code
	Key        Key
	RetryAfter time.Duration
	ResetAt    time.Time
	BlockUntil time.Time
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if s := e.Code.sentinel(); s != nil {
		msg = s.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is permite errors.Is(err, ErrBlocked) etc.
func (e *Error) Is(target error) bool {
	s := e.Code.sentinel()
	return s != nil && s == target
}

// NewDecisionError converte uma decisão negada em *Error. Devolve nil se permitida.
func NewDecisionError(d Decision) *Error {
	if d.Allowed() {
		return nil
	}
	return &Error{
		Code:       d.Outcome.Code(),
		Key:        d.Key,
		RetryAfter: d.RetryAfter,
		ResetAt:    d.ResetAt,
		BlockUntil: d.BlockUntil,
	}
}

func NewSystemError(err error) *Error {
	return &Error{Code: CodeSystemError, Err: err}
}

// CodeOf extrai o código de um erro qualquer; vazio se não for *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsBlockedError(err error) bool {
	return errors.Is(err, ErrBlocked)
}
