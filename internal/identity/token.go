package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var deviceUIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,255}$`)

const (
	nonceMinLen = 8
	nonceMaxLen = 128
	seedBytes   = 16
)

// validDeviceUID 8-255 位 [A-Za-z0-9_-]
func validDeviceUID(uid string) bool {
	return deviceUIDPattern.MatchString(uid)
}

// validNonce 8-128 位可打印 ASCII（不含空格）
func validNonce(nonce string) bool {
	if len(nonce) < nonceMinLen || len(nonce) > nonceMaxLen {
		return false
	}
	for i := 0; i < len(nonce); i++ {
		if nonce[i] < 0x21 || nonce[i] > 0x7e {
			return false
		}
	}
	return true
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// issueToken hex(HMAC-SHA256(secret, uid|tenant|unixNano|random))
func issueToken(secret []byte, deviceUID, tenantID string, now time.Time) (string, error) {
	salt, err := randomHex(32)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(deviceUID + "|" + tenantID + "|" + strconv.FormatInt(now.UnixNano(), 10) + "|" + salt))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// HashToken 存储层只保存 token 的 SHA-256
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func tokenMatches(storedHash, token string) bool {
	if storedHash == "" || token == "" {
		return false
	}
	presented := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(presented)) == 1
}

func nonceKey(deviceID, nonce string) string {
	return "nonce:" + deviceID + ":" + nonce
}
