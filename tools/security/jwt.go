package security

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"PPChat/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Options 控制签名与TTL等参数。
type Options struct {
	Secret []byte        // HMAC 密钥（生产用ENV/KMS）
	Alg    string        // HS256/HS384/HS512（默认 HS256）
	TTL    time.Duration // 令牌有效期（默认 2h）
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

// Generate 签发令牌，sub 为数字用户 id。
func Generate(opts Options, userID uint64, scopes []string) (token string, expireAt time.Time, err error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	now := time.Now()
	exp := now.Add(opts.TTL)

	claims := jwtlib.MapClaims{
		"sub": strconv.FormatUint(userID, 10),
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
	}
	if len(scopes) > 0 {
		claims["scope"] = scopes
	}

	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify 校验签名与时间声明，返回 sub 中的用户 id。
// 失败时返回 errs.ErrTokenExpired 或 errs.ErrTokenInvalid。
func Verify(opts Options, token string) (uint64, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return 0, err
	}
	// 仅允许配置的 alg
	parsed, err := jwtlib.Parse(token, func(*jwtlib.Token) (interface{}, error) {
		return opts.Secret, nil
	}, jwtlib.WithValidMethods([]string{method.Alg()}))
	if err != nil {
		if errors.Is(err, jwtlib.ErrTokenExpired) {
			return 0, errs.ErrTokenExpired.WrapMsg(err.Error())
		}
		return 0, errs.ErrTokenInvalid.WrapMsg(err.Error())
	}
	if !parsed.Valid {
		return 0, errs.ErrTokenInvalid.Wrap()
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return 0, errs.ErrTokenInvalid.WrapMsg("missing subject")
	}
	uid, err := strconv.ParseUint(sub, 10, 64)
	if err != nil {
		return 0, errs.ErrTokenInvalid.WrapMsg("subject is not a user id", "sub", sub)
	}
	return uid, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
