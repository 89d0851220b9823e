package harness

import (
	"hash/fnv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nguyensngoc108/EmoPal-sub001/internal/config"
)

// MintSessionToken выписывает короткоживущий JWT, привязанный к uid:
// клиент обязан входить в медиа-канал именно с этим uid.
func MintSessionToken(cfg config.HarnessConfig, channel string, uid uint32) (string, error) {
	claims := jwt.MapClaims{
		"app_id":  cfg.AppID,
		"channel": channel,
		"uid":     uid,
		"iat":     time.Now().Unix(),
		"exp":     time.Now().Add(cfg.TokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.TokenSecret))
}

// UIDFor детерминированно выводит числовой uid участника из его user id.
func UIDFor(userID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	uid := h.Sum32() % 1_000_000
	if uid == 0 {
		uid = 1
	}
	return uid
}
