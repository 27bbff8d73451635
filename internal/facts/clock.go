package facts

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrClockUnavailable = errors.New("facts: clock unavailable")

// Clock — источник текущего времени для проверки дедлайна и grace-периода.
type Clock interface {
	Now(ctx context.Context) (uint64, error)
}

// SystemClock — локальные часы процесса.
type SystemClock struct{}

func (SystemClock) Now(context.Context) (uint64, error) {
	return uint64(time.Now().Unix()), nil
}

// ChainClock — timestamp головы цепочки, как его видит контракт.
type ChainClock struct {
	headers HeaderReader
	timeout time.Duration
}

func NewChainClock(headers HeaderReader, timeout time.Duration) *ChainClock {
	return &ChainClock{headers: headers, timeout: timeout}
}

func (c *ChainClock) Now(ctx context.Context) (uint64, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	h, err := c.headers.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrClockUnavailable, err)
	}
	return h.Time, nil
}

// FixedClock возвращает заданное время. Для тестов и оффлайн-оценки.
type FixedClock uint64

func (c FixedClock) Now(context.Context) (uint64, error) { return uint64(c), nil }
