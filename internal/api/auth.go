package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"YieldHarvester-Agent/pkg/logger"
)

// requireToken 校验 Authorization: Bearer <token>，失败时写入审计日志。
func requireToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	expected := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		provided, ok := strings.CutPrefix(header, "Bearer ")
		if ok && subtle.ConstantTimeCompare([]byte(strings.TrimSpace(provided)), expected) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		status := http.StatusUnauthorized
		http.Error(w, http.StatusText(status), status)
		logger.Audit().Warn("access_denied",
			"path", r.URL.Path,
			"method", r.Method,
			"status", status,
			"remote", r.RemoteAddr,
			"token_present", header != "",
		)
	})
}
