package internal

import (
	"crypto/subtle"
	"net/http"
	"strings"

	apperrors "github.com/koopa0/chess-room/pkg/errors"
)

// AnonymousPrincipal 未帶 token 的連接
const AnonymousPrincipal = "anonymous"

// Authenticator 為連接貼上身份標籤
//
// 身份只用於日誌、事件與限流 key，不參與任何房間規則。
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// TokenAuthenticator 以配置中的靜態 token 表驗證
//
// token 可放在 Authorization: Bearer <token>，或瀏覽器無法設置標頭時放在 ?token=。
type TokenAuthenticator struct {
	tokens   map[string]string // token -> principal
	required bool
}

// NewTokenAuthenticator 創建驗證器
func NewTokenAuthenticator(cfg AuthConfig) *TokenAuthenticator {
	tokens := make(map[string]string, len(cfg.Tokens))
	for token, principal := range cfg.Tokens {
		tokens[token] = principal
	}
	return &TokenAuthenticator{tokens: tokens, required: cfg.Required}
}

// Authenticate 實作 Authenticator
func (a *TokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		if a.required {
			return "", apperrors.ErrUnauthorized.WithDetails("missing token")
		}
		return AnonymousPrincipal, nil
	}

	for known, principal := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return principal, nil
		}
	}
	return "", apperrors.ErrUnauthorized.WithDetails("unknown token")
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
