package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

// UserContextKey 请求上下文中存放认证用户的键
const UserContextKey contextKey = "user"

// 角色
const (
	// RoleViewer 只读：查询运行与分类
	RoleViewer = "viewer"
	// RoleOperator 可启动运行、选择方案、取消和重试
	RoleOperator = "operator"
	// RoleAdmin 全部权限
	RoleAdmin = "admin"
)

var roleRank = map[string]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// UserContext 已认证调用方
type UserContext struct {
	UserID string
	Role   string
	// Method 认证方式：jwt 或 apikey
	Method string
}

// Allows 判断角色是否满足最低要求，未知角色一律拒绝
func (u *UserContext) Allows(minRole string) bool {
	return u != nil && roleRank[u.Role] >= roleRank[minRole] && roleRank[u.Role] > 0
}

// APIKeyValidator API Key 验证器
type APIKeyValidator interface {
	ValidateAPIKey(key string) (*UserContext, error)
}

// Middleware 认证中间件，先尝试 API Key，再尝试 Bearer JWT
type Middleware struct {
	jwt          *JWTManager
	apiKeyHeader string
	keyValidator APIKeyValidator
	enabled      bool
}

// NewMiddleware 创建认证中间件，enabled 为 false 时所有请求以匿名管理员身份放行
func NewMiddleware(jwt *JWTManager, apiKeyHeader string, keyValidator APIKeyValidator, enabled bool) *Middleware {
	return &Middleware{
		jwt:          jwt,
		apiKeyHeader: apiKeyHeader,
		keyValidator: keyValidator,
		enabled:      enabled,
	}
}

// Authenticate 校验请求身份并把用户写入 context
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			anon := &UserContext{UserID: "anonymous", Role: RoleAdmin, Method: "none"}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), anon)))
			return
		}

		if key := r.Header.Get(m.apiKeyHeader); key != "" && m.keyValidator != nil {
			if user, err := m.keyValidator.ValidateAPIKey(key); err == nil {
				next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
				return
			}
		}

		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") && m.jwt != nil {
			claims, err := m.jwt.Validate(strings.TrimPrefix(header, "Bearer "))
			if err == nil {
				user := &UserContext{UserID: claims.UserID, Role: claims.Role, Method: "jwt"}
				next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
				return
			}
			if err == ErrExpiredToken {
				writeAuthError(w, http.StatusUnauthorized, "token expired")
				return
			}
		}

		writeAuthError(w, http.StatusUnauthorized, "unauthorized")
	})
}

// RequireRole 要求调用方至少具有指定角色
func RequireRole(minRole string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !GetUser(r.Context()).Allows(minRole) {
				writeAuthError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithUser 把用户写入 context
func WithUser(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// GetUser 从 context 取出已认证用户，未认证时返回 nil
func GetUser(ctx context.Context) *UserContext {
	if user, ok := ctx.Value(UserContextKey).(*UserContext); ok {
		return user
	}
	return nil
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
