package facts

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/ethereum/go-ethereum"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ReliabilityConfig — настройки защищенного канала чтения.
type ReliabilityConfig struct {
	Name          string
	RatePerSecond float64
	Burst         int
	Attempts      uint
	ReadTimeout   time.Duration
	ThrottleDelay time.Duration
	// Подряд идущих отказов до размыкания предохранителя
	TripAfter    uint32
	OpenTimeout  time.Duration
	HalfOpenReqs uint32
}

func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		Name:          "rpc",
		RatePerSecond: 100,
		Burst:         20,
		Attempts:      3,
		ReadTimeout:   2 * time.Second,
		ThrottleDelay: 500 * time.Millisecond,
		TripAfter:     5,
		OpenTimeout:   30 * time.Second,
		HalfOpenReqs:  3,
	}
}

// BreakerObserver получает смены состояния предохранителя (метрики).
type BreakerObserver interface {
	BreakerStateChanged(name string, state gobreaker.State)
}

// ReliableCaller оборачивает Caller: лимитер, предохранитель, ретраи, таймаут на чтение.
type ReliableCaller struct {
	next    Caller
	cfg     ReliabilityConfig
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewReliableCaller(next Caller, cfg ReliabilityConfig, obs BreakerObserver, logger *zap.Logger) *ReliableCaller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenReqs,
		Interval:    5 * time.Second,
		Timeout:     cfg.OpenTimeout, // через сколько CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > cfg.TripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if obs != nil {
				obs.BreakerStateChanged(name, to)
			}
		},
	})

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	return &ReliableCaller{
		next:    next,
		cfg:     cfg,
		cb:      cb,
		limiter: rate.NewLimiter(limit, max(cfg.Burst, 1)),
		logger:  logger.Named("reliable-caller"),
	}
}

func (w *ReliableCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	var (
		out      []byte
		reverted error // revert — ответ узла, а не его отказ: не ретраим и не трипаем CB
	)
	_, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.Attempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		return nil, r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.cfg.ReadTimeout)
			defer cancel()

			res, callErr := w.next.CallContract(tCtx, msg, blockNumber)
			callErr = classify(callErr, w.cfg.ThrottleDelay)
			if errors.Is(callErr, ErrReverted) {
				reverted = callErr
				return nil
			}
			if callErr != nil {
				return callErr
			}
			out = res
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if reverted != nil {
		return nil, reverted
	}
	return out, nil
}

// State — текущее состояние предохранителя.
func (w *ReliableCaller) State() gobreaker.State {
	return w.cb.State()
}
