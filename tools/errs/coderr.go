package errs

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Error codes for the gateway. Grouped by failure domain: 1xxx auth,
// 2xxx relay, 3xxx presence store, 4xxx client payloads.
const (
	CodeUnauthorized       = 1001
	CodePublishFailed      = 2001
	CodeConsumerProcessing = 2002
	CodeStoreUnavailable   = 3001
	CodeBadPayload         = 4001
	CodeTargetUnknown      = 4002
)

var (
	ErrUnauthorized       = NewCodeError(CodeUnauthorized, "unauthorized")
	ErrPublishFailed      = NewCodeError(CodePublishFailed, "publish failed")
	ErrConsumerProcessing = NewCodeError(CodeConsumerProcessing, "record processing failed")
	ErrStoreUnavailable   = NewCodeError(CodeStoreUnavailable, "presence store unavailable")
	ErrBadPayload         = NewCodeError(CodeBadPayload, "malformed payload")
	ErrTargetUnknown      = NewCodeError(CodeTargetUnknown, "unknown target user")
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// WithDetail returns a copy carrying extra detail; the original stays
// usable as an errors.Is target.
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == e.Code
}

// Wrap attaches a stack and message to err, nil-safe.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// Code extracts the CodeError code from err, or 0.
func Code(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}
