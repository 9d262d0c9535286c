package api

import (
	"net/http"

	"github.com/oriys/triage/internal/auth"
)

// AuthHandler 令牌签发
type AuthHandler struct {
	jwt *auth.JWTManager
}

// NewAuthHandler 创建令牌处理器
func NewAuthHandler(jwt *auth.JWTManager) *AuthHandler {
	return &AuthHandler{jwt: jwt}
}

// TokenResponse 令牌响应
type TokenResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// IssueToken 以当前身份（通常是 API Key）换取短期 JWT，角色保持不变。
// HTTP端点: POST /api/v1/auth/token
func (h *AuthHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		writeErrorWithContext(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	token, err := h.jwt.Generate(user.UserID, user.Role)
	if err != nil {
		writeErrorWithContext(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: token, UserID: user.UserID, Role: user.Role})
}

// Me 返回当前调用方身份。
// HTTP端点: GET /api/v1/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		writeErrorWithContext(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id": user.UserID,
		"role":    user.Role,
		"method":  user.Method,
	})
}
