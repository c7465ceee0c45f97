package transport

import (
	"crypto/subtle"
	"strings"

	"github.com/UnendingLoop/ImageEditor/internal/model"
	"github.com/wb-go/wbf/ginext"
)

const (
	userIDHeader  = "X-User-Id"
	userIDKey     = "user_id"
	defaultUserID = "dev-user"
)

// RequireAuth checks the dev bearer token. The caller identity comes from X-User-Id and
// falls back to a single dev user.
func (h EditHandler) RequireAuth(ctx *ginext.Context) {
	token, ok := strings.CutPrefix(ctx.GetHeader("Authorization"), "Bearer ")
	if !ok || h.authToken == "" || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.authToken)) != 1 {
		ctx.AbortWithStatusJSON(errorCodeDefiner(model.ErrUnauthorized), map[string]string{"error": model.ErrUnauthorized.Error()})
		return
	}

	user := strings.TrimSpace(ctx.GetHeader(userIDHeader))
	if user == "" {
		user = defaultUserID
	}
	ctx.Set(userIDKey, user)
	ctx.Next()
}

func userFromContext(ctx *ginext.Context) string {
	return ctx.GetString(userIDKey)
}
