package auth

import (
	"context"
	"testing"

	"PPChat/tools/errs"
	"PPChat/tools/security"
)

func TestJWTVerifier(t *testing.T) {
	secret := []byte("s3cret")
	tok, _, err := security.Generate(security.DefaultOptions(secret), 42, nil)
	if err != nil {
		t.Fatal(err)
	}
	v := NewJWTVerifier(secret, "")
	uid, err := v.Verify(context.Background(), tok)
	if err != nil || uid != 42 {
		t.Fatalf("Verify = %d, %v; want 42, nil", uid, err)
	}
	if _, err := v.Verify(context.Background(), ""); !errs.ErrTokenInvalid.Is(err) {
		t.Fatalf("empty token err = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := v.Verify(ctx, tok); !errs.ErrAuthUnavailable.Is(err) {
		t.Fatalf("cancelled ctx err = %v", err)
	}
}

func TestStaticVerifierAndChain(t *testing.T) {
	s := NewStaticVerifier(map[string]uint64{"abc": 42})
	s.Set("def", 43)

	chain := Chain{NewJWTVerifier([]byte("x"), "HS256"), s}
	for token, want := range map[string]uint64{"abc": 42, "def": 43} {
		uid, err := chain.Verify(context.Background(), token)
		if err != nil || uid != want {
			t.Errorf("Verify(%q) = %d, %v; want %d", token, uid, err, want)
		}
	}
	if _, err := chain.Verify(context.Background(), "nope"); !errs.ErrTokenInvalid.Is(err) {
		t.Errorf("unknown token err = %v", err)
	}
	if _, err := (Chain{}).Verify(context.Background(), "abc"); err == nil {
		t.Errorf("empty chain must reject")
	}
}
