package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"PPChat/global"
	"PPChat/service/auth"
	"PPChat/tools/errs"
)

// context keys set for downstream handlers
const (
	PPCtxAuthKey   = "authorization" // string
	PPCtxUserIDKey = "userID"        // uint64
)

type Options struct {
	Verifier auth.Verifier
	// HeaderToken is read before falling back to "Authorization: Bearer".
	HeaderToken               string
	EnableAuthorizationBearer bool
}

func DefaultOptions(v auth.Verifier) *Options {
	return &Options{
		Verifier:                  v,
		HeaderToken:               PPCtxAuthKey,
		EnableAuthorizationBearer: true,
	}
}

// Token extracts the request token per opts.
func Token(c *gin.Context, opts *Options) string {
	token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))
	if token == "" && opts.EnableAuthorizationBearer {
		if authz := strings.TrimSpace(c.GetHeader("Authorization")); len(authz) > len("bearer ") &&
			strings.EqualFold(authz[:len("bearer ")], "bearer ") {
			token = strings.TrimSpace(authz[len("bearer "):])
		}
	}
	return token
}

// Middleware verifies the request token and stores the user id under
// PPCtxUserIDKey. Failures answer 401 with the error code.
func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := Token(c, opts)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, global.Fail(errs.CodeTokenInvalid, "missing token"))
			return
		}
		uid, err := opts.Verifier.Verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, global.Fail(errs.Code(err, errs.CodeTokenInvalid), err.Error()))
			return
		}
		c.Set(PPCtxAuthKey, token)
		c.Set(PPCtxUserIDKey, uid)
		c.Next()
	}
}
