// Package security 手机号哈希/脱敏、密码哈希、随机令牌与验证码哈希
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"checkin-core/internal/apperr"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100000
	pbkdf2KeyLen     = 32
	saltLen          = 16
)

var (
	cnMobile  = regexp.MustCompile(`^1[3-9]\d{9}$`)
	maskPhone = regexp.MustCompile(`^(\d{3})\d{4}(\d{4})$`)
)

// NormalizePhone 接受 11 位大陆手机号（可带 +86 / 86 前缀），返回 E.164 形式
func NormalizePhone(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	p = strings.NewReplacer(" ", "", "-", "").Replace(p)
	p = strings.TrimPrefix(p, "+86")
	if len(p) == 13 && strings.HasPrefix(p, "86") {
		p = p[2:]
	}
	if !cnMobile.MatchString(p) {
		return "", apperr.InvalidArgument("invalid phone number")
	}
	return "+86" + p, nil
}

// MaskPhone 138****5678；非 11 位号码原样返回
func MaskPhone(e164 string) string {
	national := strings.TrimPrefix(e164, "+86")
	return maskPhone.ReplaceAllString(national, "$1****$2")
}

// PhoneHasher 使用进程级密钥计算确定性的手机号哈希
type PhoneHasher struct {
	secret []byte
}

func NewPhoneHasher(secret string) *PhoneHasher {
	return &PhoneHasher{secret: []byte(secret)}
}

// Hash HMAC-SHA256(secret, e164) 的十六进制
func (h *PhoneHasher) Hash(e164 string) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(e164))
	return hex.EncodeToString(mac.Sum(nil))
}

// NewSalt 随机盐（hex）
func NewSalt() (string, error) {
	b := make([]byte, saltLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashPassword PBKDF2-SHA256，返回 (hash, salt)
func HashPassword(password string) (string, string, error) {
	salt, err := NewSalt()
	if err != nil {
		return "", "", err
	}
	return derive(password, salt), salt, nil
}

// VerifyPassword 常量时间比较
func VerifyPassword(password, hash, salt string) bool {
	return subtle.ConstantTimeCompare([]byte(derive(password, salt)), []byte(hash)) == 1
}

func derive(secret, salt string) string {
	key := pbkdf2.Key([]byte(secret), []byte(salt), pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return hex.EncodeToString(key)
}

// HashCode 验证码哈希（SHA256(salt + code)），验证码本身只有 6 位且几分钟内过期
func HashCode(code, salt string) string {
	sum := sha256.Sum256([]byte(salt + code))
	return hex.EncodeToString(sum[:])
}

// VerifyCode 常量时间比较
func VerifyCode(code, hash, salt string) bool {
	return subtle.ConstantTimeCompare([]byte(HashCode(code, salt)), []byte(hash)) == 1
}

// NewCode 6 位数字验证码
func NewCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// NewToken URL 安全的随机令牌，nBytes 字节熵（分享链接使用 32 字节）
func NewToken(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
