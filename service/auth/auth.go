// Package auth holds the token verification collaborator used by the gateway
// handshake. Token issuance lives elsewhere.
package auth

import (
	"context"
	"sync"

	"PPChat/tools/errs"
	"PPChat/tools/security"
)

// Verifier validates a bearer token and returns the caller's user id.
// Implementations may block on the network; callers pass a deadline in ctx.
type Verifier interface {
	Verify(ctx context.Context, token string) (uint64, error)
}

// JWTVerifier verifies HMAC-signed JWTs whose subject is the user id.
type JWTVerifier struct {
	opts security.Options
}

func NewJWTVerifier(secret []byte, alg string) *JWTVerifier {
	opts := security.DefaultOptions(secret)
	if alg != "" {
		opts.Alg = alg
	}
	return &JWTVerifier{opts: opts}
}

func (v *JWTVerifier) Verify(ctx context.Context, token string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errs.ErrAuthUnavailable.WrapMsg(err.Error())
	}
	if token == "" {
		return 0, errs.ErrTokenInvalid.WrapMsg("empty token")
	}
	return security.Verify(v.opts, token)
}

// StaticVerifier maps fixed tokens to user ids. Development and tests only.
type StaticVerifier struct {
	mu     sync.RWMutex
	tokens map[string]uint64
}

func NewStaticVerifier(tokens map[string]uint64) *StaticVerifier {
	m := make(map[string]uint64, len(tokens))
	for k, v := range tokens {
		m[k] = v
	}
	return &StaticVerifier{tokens: m}
}

func (v *StaticVerifier) Set(token string, userID uint64) {
	v.mu.Lock()
	v.tokens[token] = userID
	v.mu.Unlock()
}

func (v *StaticVerifier) Verify(ctx context.Context, token string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errs.ErrAuthUnavailable.WrapMsg(err.Error())
	}
	v.mu.RLock()
	uid, ok := v.tokens[token]
	v.mu.RUnlock()
	if !ok {
		return 0, errs.ErrTokenInvalid.WrapMsg("unknown token")
	}
	return uid, nil
}

// Chain tries each verifier in order and returns the first success. The
// last failure is returned when none accepts the token.
type Chain []Verifier

func (c Chain) Verify(ctx context.Context, token string) (uint64, error) {
	err := errs.ErrTokenInvalid.WrapMsg("no verifier")
	for _, v := range c {
		uid, verr := v.Verify(ctx, token)
		if verr == nil {
			return uid, nil
		}
		err = verr
	}
	return 0, err
}
