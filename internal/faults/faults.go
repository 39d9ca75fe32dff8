// Package faults defines the error taxonomy shared by the signing and
// packaging core. Failures are tagged with a Kind so that retry decisions,
// metrics and user-facing messages never depend on matching error text at
// the call site.
package faults

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	NotFound                 Kind = "NOT_FOUND"
	SignatureMismatch        Kind = "SIGNATURE_MISMATCH"
	ClockSkewSuspected       Kind = "CLOCK_SKEW_SUSPECTED"
	TransientBackend         Kind = "TRANSIENT_BACKEND"
	CredentialChainExhausted Kind = "CREDENTIAL_CHAIN_EXHAUSTED"
	FormatInvalid            Kind = "FORMAT_INVALID"
	ArchiveUploadFailed      Kind = "ARCHIVE_UPLOAD_FAILED"
	PartialSuccess           Kind = "PARTIAL_SUCCESS"
	InvalidInput             Kind = "INVALID_INPUT"
	Timeout                  Kind = "TIMEOUT"
	Canceled                 Kind = "CANCELED"
	Internal                 Kind = "INTERNAL"
)

// Code returns the stable identifier used in logs, e.g. "E_NOT_FOUND".
func (k Kind) Code() string {
	if k == "" {
		return "E_" + string(Internal)
	}
	return "E_" + string(k)
}

// Retryable reports whether an operation failing with k may be attempted again.
func (k Kind) Retryable() bool {
	switch k {
	case SignatureMismatch, TransientBackend, Timeout:
		return true
	}
	return false
}

// UserMessage is the short Spanish text shown to end users for k.
func (k Kind) UserMessage() string {
	switch k {
	case NotFound:
		return "No se encontró el documento solicitado."
	case SignatureMismatch:
		return "La firma del enlace de descarga fue rechazada. Intenta nuevamente en unos minutos."
	case ClockSkewSuspected:
		return "Se detectó una diferencia de hora con el servicio de almacenamiento."
	case TransientBackend:
		return "El servicio de almacenamiento no está disponible temporalmente. Intenta nuevamente."
	case CredentialChainExhausted:
		return "No fue posible generar el enlace de descarga por un problema de credenciales."
	case FormatInvalid:
		return "El enlace de descarga generado no es válido."
	case ArchiveUploadFailed:
		return "No fue posible guardar el archivo ZIP."
	case PartialSuccess:
		return "Algunas facturas no pudieron incluirse en el archivo ZIP."
	case InvalidInput:
		return "La solicitud contiene una referencia de documento inválida."
	case Timeout:
		return "La operación tardó demasiado en completarse."
	case Canceled:
		return "La operación fue cancelada."
	default:
		return "Ocurrió un error inesperado."
	}
}

// Error is a classified failure.
type Error struct {
	Kind   Kind
	Op     string // operation that failed, e.g. "sign", "fetch"
	Ref    string // object the operation was about, if any
	Status int    // HTTP status observed, if any
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Ref != "" {
		b.WriteString(" ")
		b.WriteString(e.Ref)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (http %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf returns an Error of the given kind with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithRef returns a copy of e bound to ref.
func (e *Error) WithRef(ref string) *Error {
	c := *e
	c.Ref = ref
	return &c
}

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	HTTPStatus() int
}

// TierError records why one credential strategy failed.
type TierError struct {
	Strategy string
	Err      error
}

// ChainError is returned when every credential strategy failed. It keeps
// the last underlying error of each tier in the order they were tried.
type ChainError struct {
	Tiers []TierError
}

func (c *ChainError) Error() string {
	if len(c.Tiers) == 0 {
		return "no signing strategy available"
	}
	parts := make([]string, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		parts = append(parts, fmt.Sprintf("%s: %v", t.Strategy, t.Err))
	}
	return "all signing strategies failed: " + strings.Join(parts, "; ")
}

func (c *ChainError) Unwrap() []error {
	errs := make([]error, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		errs = append(errs, t.Err)
	}
	return errs
}

// signaturePatterns are matched case-insensitively against error text from
// storage backends that do not expose a structured code.
var signaturePatterns = []string{
	"signaturedoesnotmatch",
	"signature does not match",
	"invalid signature",
	"expired signature",
	"clock skew",
	"request time too skewed",
	"access denied",
	"invalid unicode",
}

// MatchesSignaturePattern reports whether msg mentions a signature or
// clock related rejection.
func MatchesSignaturePattern(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range signaturePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// KindForStatus maps an HTTP status to a Kind. ok is false for statuses
// that carry no classification on their own.
func KindForStatus(status int) (Kind, bool) {
	switch status {
	case 404:
		return NotFound, true
	case 401, 403:
		return SignatureMismatch, true
	case 408, 429, 500, 502, 503, 504:
		return TransientBackend, true
	}
	return "", false
}

// Classify assigns a Kind to err. It returns "" for a nil error.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	// Checked first: a chain wraps the per-tier errors, which carry their own kinds.
	var chain *ChainError
	if errors.As(err, &chain) {
		return CredentialChainExhausted
	}

	var fe *Error
	if errors.As(err, &fe) && fe.Kind != "" {
		return fe.Kind
	}

	if errors.Is(err, context.Canceled) {
		return Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		if k, ok := KindForStatus(sc.HTTPStatus()); ok {
			return k
		}
	}

	if errors.Is(err, fs.ErrNotExist) {
		return NotFound
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}

	if MatchesSignaturePattern(err.Error()) {
		return SignatureMismatch
	}

	return Internal
}

// IsRetryable reports whether err belongs to a retryable kind.
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	return Classify(err) == kind
}
