package core

import (
	"errors"
	"math/rand/v2"
	"strings"
	"time"
)

var (
	ErrNotFound         = errors.New("job not found")
	ErrJobExists        = errors.New("job already exists")
	ErrJobFinished      = errors.New("job already in a terminal state")
	ErrExternalIDSet    = errors.New("job already has a different external id")
	ErrInvalidUpdate    = errors.New("invalid job update")
	ErrStoreUnavailable = errors.New("job store unavailable")
	ErrInvalidInput     = errors.New("invalid input")
)

// ValidationError represents a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// Backend error codes. The names follow the 2Captcha text protocol, typos
// included.
const (
	CodeNotReady              = "CAPCHA_NOT_READY"
	CodeInvalidSiteKey        = "ERROR_RECAPTCHA_INVALID_SITEKEY"
	CodeBadParameters         = "ERROR_BAD_PARAMETERS"
	CodeWrongUserKey          = "ERROR_WRONG_USER_KEY"
	CodeKeyDoesNotExist       = "ERROR_KEY_DOES_NOT_EXIST"
	CodeWrongIDFormat         = "ERROR_WRONG_ID_FORMAT"
	CodeWrongCaptchaID        = "ERROR_WRONG_CAPTCHA_ID"
	CodeProxyFormat           = "ERROR_PROXY_FORMAT"
	CodeIPNotAllowed          = "ERROR_IP_NOT_ALLOWED"
	CodeUnsolvable            = "ERROR_CAPTCHA_UNSOLVABLE"
	CodeRecaptchaTimeout      = "ERROR_RECAPTCHA_TIMEOUT"
	CodeProxyBanned           = "ERROR_PROXY_BANNED"
	CodeIPBanned              = "IP_BANNED"
	CodeNoSlotAvailable       = "ERROR_NO_SLOT_AVAILABLE"
	CodeZeroBalance           = "ERROR_ZERO_BALANCE"
	CodeProxyConnectionFailed = "ERROR_PROXY_CONNECTION_FAILED"
	CodeGenericError          = "ERROR"
	CodeBadRequest            = "BAD_REQUEST"
	CodePollTimeout           = "ERROR_POLL_TIMEOUT"
	CodeTransport             = "ERROR_TRANSPORT"
	CodeInternalFault         = "ERROR_INTERNAL_FAULT"
)

// ErrorClass drives the worker retry policy.
type ErrorClass int

const (
	ClassUnclassified ErrorClass = iota
	ClassTransient
	ClassCritical
)

func (c ErrorClass) String() string {
	switch c {
	case ClassCritical:
		return "critical"
	case ClassTransient:
		return "transient"
	default:
		return "unclassified"
	}
}

var criticalCodes = map[string]bool{
	CodeInvalidSiteKey:  true,
	CodeBadParameters:   true,
	CodeWrongUserKey:    true,
	CodeKeyDoesNotExist: true,
	CodeWrongIDFormat:   true,
	CodeWrongCaptchaID:  true,
	CodeProxyFormat:     true,
	CodeIPNotAllowed:    true,
	CodeUnsolvable:      true,
}

var transientCodes = map[string]bool{
	CodeRecaptchaTimeout:      true,
	CodeProxyBanned:           true,
	CodeIPBanned:              true,
	CodeNoSlotAvailable:       true,
	CodeZeroBalance:           true,
	CodeProxyConnectionFailed: true,
	CodeNotReady:              true,
	CodeGenericError:          true,
	CodeBadRequest:            true,
	CodePollTimeout:           true,
	CodeTransport:             true,
}

// BackendError is a rejection reported by the solve backend.
type BackendError struct {
	Code    string
	Message string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return "backend: " + e.Code
	}
	return "backend: " + e.Code + ": " + e.Message
}

// ClassifyCode maps a backend error code to its class.
func ClassifyCode(code string) ErrorClass {
	switch {
	case criticalCodes[code]:
		return ClassCritical
	case transientCodes[code]:
		return ClassTransient
	default:
		return ClassUnclassified
	}
}

// Classify maps an error returned by a Solver to its class. Anything that is
// not a BackendError is a transport failure and therefore transient.
func Classify(err error) ErrorClass {
	var be *BackendError
	if errors.As(err, &be) {
		return ClassifyCode(be.Code)
	}
	return ClassTransient
}

// ErrorCode returns the backend code carried by err, or CodeTransport.
func ErrorCode(err error) string {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Code
	}
	return CodeTransport
}

// RetryDelay returns the pause before the next attempt after a failure with
// the given code. Timeouts are jittered over [base, 2*base) and bans wait
// twice the base.
func RetryDelay(code string, base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	switch {
	case code == CodeRecaptchaTimeout || code == CodePollTimeout:
		return base + time.Duration(rand.Int64N(int64(base)))
	case strings.Contains(strings.ToLower(code), "banned"):
		return 2 * base
	default:
		return base
	}
}
