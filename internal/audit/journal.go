package audit

/*
Файл journal.go реализует журнал вердиктов — неблокирующий сбор и пакетную
запись аудита в хранилище.

- Non-blocking: события уходят в буферизованный канал, hot path вердикта не ждет БД.
- Batching: запись пачкой по таймеру или при достижении размера пачки.
- Drain: Stop закрывает вход, воркер вычитывает остаток и делает финальный flush.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Storage определяет, куда физически сохраняются события.
type Storage interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []VerdictEvent) error
}

// Auditor — то, что видит движок политики.
type Auditor interface {
	Log(event VerdictEvent)
}

// Gauge — заполненность буфера (реализуется prometheus.Gauge).
type Gauge interface {
	Set(float64)
}

type JournalConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

func DefaultJournalConfig() JournalConfig {
	return JournalConfig{BufferSize: 10000, BatchSize: 100, FlushInterval: 500 * time.Millisecond}
}

type Journal struct {
	ch     chan VerdictEvent
	repo   Storage
	cfg    JournalConfig
	fill   Gauge
	logger *zap.Logger
	wg     sync.WaitGroup

	mu     sync.RWMutex // Log держит RLock на время отправки, Stop берет Lock перед close
	closed atomic.Bool
}

func NewJournal(repo Storage, cfg JournalConfig, fill Gauge, logger *zap.Logger) *Journal {
	def := DefaultJournalConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{
		ch:     make(chan VerdictEvent, cfg.BufferSize),
		repo:   repo,
		cfg:    cfg,
		fill:   fill,
		logger: logger.With(zap.String("mod", "journal")),
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop запирает вход и ждет, пока воркер все допишет. Повторный вызов безопасен.
func (j *Journal) Stop() {
	j.mu.Lock()
	if j.closed.Swap(true) {
		j.mu.Unlock()
		return
	}
	j.logger.Info("stopping journal: closing channel and flushing buffer...")
	close(j.ch)
	j.mu.Unlock()

	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

func (j *Journal) Log(event VerdictEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed.Load() {
		j.logger.Warn("audit event dropped: journal is stopping", zap.String("id", event.ID))
		return
	}

	// Load shedding: при переполнении событие уходит только в лог
	select {
	case j.ch <- event:
		j.observeFill()
	default:
		j.logger.Error("audit_buffer_overflow",
			zap.String("kind", event.Kind),
			zap.String("principal", event.Principal),
			zap.String("trace_id", event.TraceID),
			zap.String("verdict", event.Verdict),
		)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]VerdictEvent, 0, j.cfg.BatchSize)
	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к этому моменту может быть закрыт
		if err := j.repo.WriteBatch(context.Background(), batch); err != nil {
			j.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		j.observeFill()
	}

	for {
		select {
		case event, ok := <-j.ch:
			if !ok {
				flush() // финальный сброс
				j.logger.Info("journal worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= j.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (j *Journal) observeFill() {
	if j.fill != nil {
		j.fill.Set(float64(len(j.ch)))
	}
}

// LogStorage пишет события в zap. Используется, когда БД не настроена.
type LogStorage struct {
	logger *zap.Logger
}

func NewLogStorage(logger *zap.Logger) *LogStorage {
	return &LogStorage{logger: logger.Named("audit")}
}

func (s *LogStorage) WriteBatch(_ context.Context, events []VerdictEvent) error {
	for _, e := range events {
		s.logger.Info("verdict",
			zap.String("id", e.ID),
			zap.String("trace_id", e.TraceID),
			zap.String("kind", e.Kind),
			zap.String("principal", e.Principal),
			zap.String("instance_id", e.InstanceID),
			zap.String("verdict", e.Verdict),
			zap.String("reason", e.Reason),
			zap.String("nonce", e.Nonce),
			zap.Int64("duration_ms", e.DurationMs),
			zap.String("error", e.Error),
		)
	}
	return nil
}

// Nop — аудитор-заглушка.
type Nop struct{}

func (Nop) Log(VerdictEvent) {}
