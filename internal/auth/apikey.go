package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/oriys/triage/internal/config"
)

// ErrAPIKeyNotFound 表示请求的 API Key 不存在
var ErrAPIKeyNotFound = errors.New("api key not found")

// APIKeyPrefix 本系统生成的 API Key 前缀
const APIKeyPrefix = "tri_"

// GenerateAPIKey 生成一个新的 API Key，返回原始密钥及其 SHA-256 哈希。
// 原始密钥只展示一次，配置中可以保存哈希（以 "sha256:" 开头）。
func GenerateAPIKey() (string, string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	key := APIKeyPrefix + hex.EncodeToString(buf)
	return key, HashAPIKey(key), nil
}

// HashAPIKey 计算 API Key 的 SHA-256 哈希值（十六进制编码）
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

type staticKey struct {
	name string
	hash string
	role string
}

// StaticKeyStore 基于配置文件的 API Key 验证器。
// 密钥在加载时即转为哈希，内存中不保留原文。
type StaticKeyStore struct {
	keys []staticKey
}

// NewStaticKeyStore 从配置构建验证器。
// Key 以 "sha256:" 开头时视为已哈希的值，角色缺省为 operator。
func NewStaticKeyStore(entries []config.APIKeyConfig) *StaticKeyStore {
	store := &StaticKeyStore{}
	for _, e := range entries {
		if e.Key == "" {
			continue
		}
		hash := HashAPIKey(e.Key)
		if strings.HasPrefix(e.Key, "sha256:") {
			hash = strings.ToLower(strings.TrimPrefix(e.Key, "sha256:"))
		}
		role := e.Role
		if role == "" {
			role = RoleOperator
		}
		store.keys = append(store.keys, staticKey{name: e.Name, hash: hash, role: role})
	}
	return store
}

// Len 返回已配置的密钥数量
func (s *StaticKeyStore) Len() int {
	return len(s.keys)
}

// ValidateAPIKey 实现 APIKeyValidator
func (s *StaticKeyStore) ValidateAPIKey(key string) (*UserContext, error) {
	hash := HashAPIKey(key)
	for _, k := range s.keys {
		if subtle.ConstantTimeCompare([]byte(hash), []byte(k.hash)) == 1 {
			return &UserContext{UserID: k.name, Role: k.role, Method: "apikey"}, nil
		}
	}
	return nil, ErrAPIKeyNotFound
}
