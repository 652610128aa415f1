package errs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Gateway error codes. A failed handshake reports its code in ConnectAck.
const (
	CodeTokenInvalid     = 1001
	CodeTokenExpired     = 1002
	CodeAuthUnavailable  = 1003
	CodeProtocol         = 2001
	CodeRecipientOffline = 3001
	CodeBroker           = 4001
)

var (
	ErrTokenInvalid     = NewCodeError(CodeTokenInvalid, "token invalid")
	ErrTokenExpired     = NewCodeError(CodeTokenExpired, "token expired")
	ErrAuthUnavailable  = NewCodeError(CodeAuthUnavailable, "auth unavailable")
	ErrProtocol         = NewCodeError(CodeProtocol, "protocol violation")
	ErrRecipientOffline = NewCodeError(CodeRecipientOffline, "recipient offline")
	ErrBroker           = NewCodeError(CodeBroker, "broker failure")
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) CodeError {
	return CodeError{Code: code, Msg: msg}
}

func (e CodeError) WithDetail(detail string) CodeError {
	if e.Detail != "" {
		detail = e.Detail + ", " + detail
	}
	return CodeError{Code: e.Code, Msg: e.Msg, Detail: detail}
}

// WrapMsg returns a copy of e carrying msg and kv in its detail, with a stack.
func (e CodeError) WrapMsg(msg string, kv ...any) error {
	ret := e
	if msg != "" || len(kv) > 0 {
		ret = e.WithDetail(toString(msg, kv))
	}
	return pkgerrors.WithStack(ret)
}

func (e CodeError) Wrap() error {
	return pkgerrors.WithStack(e)
}

// Is reports whether err carries a CodeError with the same code.
func (e CodeError) Is(err error) bool {
	var ce CodeError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == e.Code
}

func (e CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// Code extracts the CodeError code of err, or fallback when err carries none.
func Code(err error, fallback int) int {
	var ce CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return fallback
}

func New(msg string, kv ...any) error {
	return pkgerrors.New(toString(msg, kv))
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return pkgerrors.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(err, toString(msg, kv))
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprint(kv[i]))
		b.WriteString("=")
		if i+1 < len(kv) {
			b.WriteString(fmt.Sprint(kv[i+1]))
		} else {
			b.WriteString("MISSING")
		}
	}
	return b.String()
}
