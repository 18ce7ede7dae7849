// Package token 提供下载令牌的签发与验证，以及随机标识生成。
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DownloadTokenManager 负责签发短时效的下载令牌。
// 系统是匿名的，令牌表达的是"持有者可以下载这个制品"的能力，而不是用户身份。
type DownloadTokenManager struct {
	secretKey []byte        // secretKey 用于签名和验证 token 的密钥
	tokenDur  time.Duration // tokenDur 定义了下载令牌的有效期
}

// DownloadClaims 定义了下载令牌携带的数据。
// 它嵌入了 jwt.RegisteredClaims 以包含标准的 JWT 声明（如过期时间）。
type DownloadClaims struct {
	ArtifactID string `json:"artifactId"`
	jwt.RegisteredClaims
}

// NewDownloadTokenManager 创建一个新的 DownloadTokenManager 实例。
func NewDownloadTokenManager(secret string, ttlMinutes int) *DownloadTokenManager {
	return &DownloadTokenManager{
		secretKey: []byte(secret),
		tokenDur:  time.Duration(ttlMinutes) * time.Minute,
	}
}

// GenerateToken 为指定制品签发一个下载令牌。
func (m *DownloadTokenManager) GenerateToken(artifactID string) (string, error) {
	claims := DownloadClaims{
		ArtifactID: artifactID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.tokenDur)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// VerifyToken 验证下载令牌并返回其中的制品 ID。
// 签名不匹配或已过期时返回错误。
func (m *DownloadTokenManager) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DownloadClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secretKey, nil
	})
	if err != nil {
		return "", err
	}

	if claims, ok := token.Claims.(*DownloadClaims); ok && token.Valid {
		return claims.ArtifactID, nil
	}
	return "", errors.New("invalid token")
}

// GenerateRandomString generates a random hex string of a given byte length.
func GenerateRandomString(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a less random string on error
		return fmt.Sprintf("fallback%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
