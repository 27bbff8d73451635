package infra

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "intentguard"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanInstanceInvalidate — ключ инстанса, конфиг которого нужно выбросить из L1-кэша.
	RedisChanInstanceInvalidate = RedisNamespace + ":instances:invalidate"
)

// InstanceRedisKey — hash с конфигом и nonce инстанса.
func InstanceRedisKey(keyHex string) string {
	return fmt.Sprintf("%s:instance:%s", RedisNamespace, keyHex)
}

// UsedCountRedisKey — счетчик установленных инстансов принципала.
func UsedCountRedisKey(principal common.Address) string {
	return fmt.Sprintf("%s:principal:%s:used", RedisNamespace, principal.Hex())
}

// GenerationRedisKey — глобальный счетчик поколений установок. Не удаляется при uninstall.
func GenerationRedisKey() string {
	return RedisNamespace + ":instances:generation"
}
