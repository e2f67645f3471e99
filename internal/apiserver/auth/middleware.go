package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// NodeTokenHeader Worker 携带共享令牌的请求头
const NodeTokenHeader = "X-Node-Token"

// 免认证路由（前缀匹配）
var publicPrefixes = []string{
	"/health",
	"/metrics",
}

// isPublicRoute 是否免认证
func isPublicRoute(path string) bool {
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// isNodeRoute Worker 调用的路由（节点令牌可访问）
//
//	POST  /api/v1/machines
//	POST  /api/v1/machines/{id}/heartbeat|claim
//	GET   /api/v1/tasks/{id}
//	PATCH /api/v1/tasks/{id}
//	POST  /api/v1/tasks/{id}/events
//	POST  /api/v1/tasks/{id}/input/poll
func isNodeRoute(method, path string) bool {
	if path == "/api/v1/machines" {
		return method == http.MethodPost
	}
	if strings.HasPrefix(path, "/api/v1/machines/") {
		return method == http.MethodPost &&
			(strings.HasSuffix(path, "/heartbeat") || strings.HasSuffix(path, "/claim"))
	}
	rest, ok := strings.CutPrefix(path, "/api/v1/tasks/")
	if !ok || rest == "" {
		return false
	}
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		return false
	}
	switch sub {
	case "":
		return method == http.MethodGet || method == http.MethodPatch
	case "events", "input/poll":
		return method == http.MethodPost
	}
	return false
}

// isValidNodeToken 常量时间比较节点令牌
func isValidNodeToken(r *http.Request, expected string) bool {
	if expected == "" {
		return false
	}
	got := r.Header.Get(NodeTokenHeader)
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// Middleware 创建认证中间件
// 如果 cfg.Enabled() == false，直接放行所有请求（无认证模式）
func Middleware(cfg Config, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled() || isPublicRoute(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			// Worker 路由：节点令牌
			if isNodeRoute(r.Method, r.URL.Path) && isValidNodeToken(r, cfg.NodeToken) {
				ctx := WithPrincipal(r.Context(), &Principal{Subject: "node", Role: RoleNode})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			// 浏览器 WebSocket 无法设置请求头，允许 ?access_token=
			token := ""
			if authHeader := r.Header.Get("Authorization"); authHeader != "" {
				parts := strings.SplitN(authHeader, " ", 2)
				if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
					http.Error(w, `{"error":"invalid authorization header"}`, http.StatusUnauthorized)
					return
				}
				token = parts[1]
			} else if strings.HasPrefix(r.URL.Path, "/ws/") {
				token = r.URL.Query().Get("access_token")
			}
			if token == "" {
				http.Error(w, `{"error":"missing authorization header"}`, http.StatusUnauthorized)
				return
			}

			claims, err := ParseToken(cfg, token)
			if err != nil {
				logger.Debug("auth.token.invalid", zap.Error(err))
				http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
				return
			}
			if claims.Type != "access" {
				http.Error(w, `{"error":"invalid token type"}`, http.StatusUnauthorized)
				return
			}

			ctx := WithPrincipal(r.Context(), &Principal{Subject: claims.Subject, Role: claims.Role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
