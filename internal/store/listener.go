package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ListenResilient — цикл "живучей" подписки на канал Redis.
// Переподписывается после обрывов; onReconnect вызывается после каждой успешной подписки,
// потому что пропущенные за время обрыва сообщения уже не придут.
func ListenResilient(
	ctx context.Context,
	rdb redis.UniversalClient,
	logger *zap.Logger,
	channel string,
	retryDelay time.Duration,
	onReconnect func(),
	onMessage func(payload string),
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleep(ctx, retryDelay) {
				return
			}
			continue
		}

		onReconnect()
		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // канал закрыт, идем на переподключение
				}
				onMessage(msg.Payload)
			}
		}

		_ = pubsub.Close()
		logger.Warn("subscription dropped, reconnecting", zap.String("chan", channel))
		if !sleep(ctx, retryDelay) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
