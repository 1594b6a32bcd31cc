// Package pwdutil 网关接入密钥的哈希与校验
package pwdutil

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Hash 生成密钥哈希
func Hash(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Compare 比较明文密钥和哈希
func Compare(secret, hash string) bool {
	if secret == "" || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// IsHash 判断是否为 bcrypt 哈希
func IsHash(s string) bool {
	if len(s) != 60 {
		return false
	}
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// Normalize 配置中允许写明文，加载时统一转成哈希
func Normalize(secretOrHash string) (string, error) {
	secretOrHash = strings.TrimSpace(secretOrHash)
	if secretOrHash == "" || IsHash(secretOrHash) {
		return secretOrHash, nil
	}
	return Hash(secretOrHash)
}
