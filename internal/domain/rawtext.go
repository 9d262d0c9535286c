package domain

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// encodeRaw 为 JSON 准备原始文本。
// 文本是合法 UTF-8 且不含 NUL 时原样返回；否则返回替换了非法字节的可读文本，
// 以及原始字节的 base64 编码（JSONB 不接受 \u0000）。
func encodeRaw(s string) (text, encoded string) {
	if utf8.ValidString(s) && !strings.ContainsRune(s, 0) {
		return s, ""
	}
	text = strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "\uFFFD")
	return text, base64.StdEncoding.EncodeToString([]byte(s))
}

// decodeRaw 有 base64 时以其为准
func decodeRaw(text, encoded string) (string, error) {
	if encoded == "" {
		return text, nil
	}
	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode raw bytes: %w", err)
	}
	return string(b), nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
