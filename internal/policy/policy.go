// Package policy — точки входа модуля политики: жизненный цикл инстансов и вердикты
// по операциям. Ошибки неправильного использования возвращаются вызывающему,
// любой сбой проверки схлопывается в VerdictFailed без изменения состояния.
package policy

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/xela07ax/intentguard/internal/audit"
	"github.com/xela07ax/intentguard/internal/bundle"
	"github.com/xela07ax/intentguard/internal/domain"
	"github.com/xela07ax/intentguard/internal/envelope"
	"github.com/xela07ax/intentguard/internal/facts"
	"github.com/xela07ax/intentguard/internal/program"
	"github.com/xela07ax/intentguard/internal/replay"
	"github.com/xela07ax/intentguard/internal/store"
)

// Authenticator связывает конверт с ожидаемым подписантом. Реализуется *envelope.Verifier.
type Authenticator interface {
	Authenticate(b envelope.Binding, env *envelope.Envelope, expected common.Address) error
}

// FactsFactory дает провайдер фактов для источников конкретного инстанса.
type FactsFactory func(cfg domain.InstanceConfig) program.Facts

// Recorder — метрики (реализуется engine.Metrics).
type Recorder interface {
	ObserveVerdict(kind, result, reason string, elapsed time.Duration)
}

type Options struct {
	Limits program.Limits
	Clock  facts.Clock
	// Ограничение на весь вердикт, включая чтения фактов
	VerdictTimeout time.Duration
	Auditor        audit.Auditor
	Recorder       Recorder
	Logger         *zap.Logger
}

type IntentPolicy struct {
	store    store.Store
	auth     Authenticator
	guard    *replay.Guard
	factsFor FactsFactory

	limits   program.Limits
	clock    facts.Clock
	timeout  time.Duration
	auditor  audit.Auditor
	recorder Recorder
	logger   *zap.Logger
}

func New(st store.Store, auth Authenticator, factsFor FactsFactory, opts Options) *IntentPolicy {
	if opts.Clock == nil {
		opts.Clock = facts.SystemClock{}
	}
	opts.Limits = opts.Limits.WithDefaults()
	if opts.Auditor == nil {
		opts.Auditor = audit.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &IntentPolicy{
		store:    st,
		auth:     auth,
		guard:    replay.NewGuard(st),
		factsFor: factsFor,
		limits:   opts.Limits,
		clock:    opts.Clock,
		timeout:  opts.VerdictTimeout,
		auditor:  opts.Auditor,
		recorder: opts.Recorder,
		logger:   opts.Logger.Named("policy"),
	}
}

// OnInstall — хук установки: data = instanceId(32) || initData(81).
func (p *IntentPolicy) OnInstall(ctx context.Context, principal common.Address, data []byte) error {
	start := time.Now()
	id, initData, err := SplitInstallData(data)
	if err == nil {
		var cfg domain.InstanceConfig
		if cfg, err = ParseInitData(principal, id, initData); err == nil {
			err = p.store.Install(ctx, cfg)
		}
	}
	p.lifecycle(ctx, audit.KindInstall, principal, id, err, start)
	return err
}

// OnUninstall — хук удаления: data = instanceId(32) || произвольный хвост.
func (p *IntentPolicy) OnUninstall(ctx context.Context, principal common.Address, data []byte) error {
	start := time.Now()
	id, _, err := SplitInstallData(data)
	if err == nil {
		err = p.store.Uninstall(ctx, principal, id)
	}
	p.lifecycle(ctx, audit.KindUninstall, principal, id, err, start)
	return err
}

// IsModuleType — статическое объявление возможностей: только тип "policy".
func (p *IntentPolicy) IsModuleType(typeID *uint256.Int) bool {
	return typeID.IsUint64() && typeID.Uint64() == domain.ModuleTypePolicy
}

// IsInitialized отвечает на "есть ли у принципала хоть один инстанс", а не про конкретный.
func (p *IntentPolicy) IsInitialized(ctx context.Context, principal common.Address) (bool, error) {
	n, err := p.store.UsedInstances(ctx, principal)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ExpectedNonce — nonce, который должен нести следующий конверт инстанса.
func (p *IntentPolicy) ExpectedNonce(ctx context.Context, principal common.Address, id domain.InstanceID) (*uint256.Int, error) {
	return p.guard.ExpectedNonce(ctx, domain.NewInstanceKey(principal, id))
}

// CheckSignaturePolicy — политика только для UserOp: всегда SUCCESS, без состояния.
func (p *IntentPolicy) CheckSignaturePolicy(ctx context.Context, principal common.Address, id domain.InstanceID, _ common.Address, _ common.Hash, _ []byte) domain.Verdict {
	p.recordVerdict(ctx, audit.KindCheckSignature, principal, id, domain.VerdictSuccess, domain.ReasonNone, nil, nil, time.Now())
	return domain.VerdictSuccess
}

// CheckUserOpPolicy — полная перепроверка операции. Nonce потребляется только
// после того, как прошли все остальные проверки.
func (p *IntentPolicy) CheckUserOpPolicy(ctx context.Context, principal common.Address, id domain.InstanceID, op *domain.UserOperation) domain.Verdict {
	start := time.Now()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	reason, nonce, cause := p.check(ctx, principal, id, op)
	verdict := domain.VerdictSuccess
	if reason != domain.ReasonNone {
		verdict = domain.VerdictFailed
	}
	p.recordVerdict(ctx, audit.KindCheckUserOp, principal, id, verdict, reason, nonce, cause, start)
	return verdict
}

func (p *IntentPolicy) check(ctx context.Context, principal common.Address, id domain.InstanceID, op *domain.UserOperation) (domain.Reason, *uint256.Int, error) {
	key := domain.NewInstanceKey(principal, id)

	// 1. Инстанс установлен
	cfg, err := p.store.Config(ctx, key)
	if err != nil {
		return storeReason(err), nil, err
	}
	if op == nil {
		return domain.ReasonMalformedEnvelope, nil, errors.New("nil operation")
	}

	// 2. Разбор конверта (включая версию)
	env, err := envelope.Parse(op.Signature)
	if err != nil {
		if errors.Is(err, envelope.ErrUnsupportedVersion) {
			return domain.ReasonBadVersion, nil, err
		}
		return domain.ReasonMalformedEnvelope, nil, err
	}

	// 3. Дедлайн: строго в прошлом — отказ
	now, err := p.clock.Now(ctx)
	if err != nil {
		return domain.ReasonClockUnavailable, nil, err
	}
	if now > env.Deadline {
		return domain.ReasonDeadlineExpired, nil, nil
	}

	// 4. Привязка к фактически исполняемому payload
	bundleHash := op.CallBundleHash()
	if bundleHash != env.CallBundleHash {
		return domain.ReasonBundleMismatch, nil, nil
	}

	// 5. Nonce
	expected, err := p.guard.ExpectedNonce(ctx, key)
	if err != nil {
		return storeReason(err), nil, err
	}
	if !env.Nonce.Eq(expected) {
		return domain.ReasonNonceMismatch, nil, nil
	}

	// 6. Подпись над конвертом
	if err := p.auth.Authenticate(envelope.Binding{Principal: principal, InstanceID: id}, env, cfg.AuthorizedSigner); err != nil {
		return domain.ReasonBadSignature, nil, err
	}

	// 7. Программа
	checks, err := program.Decode(env.Program, p.limits)
	if err != nil {
		return domain.ReasonMalformedProgram, nil, err
	}
	summary, err := bundle.Summarize(op.CallData)
	if err != nil {
		// проверки-потолки в этом случае провалятся сами
		p.logger.Debug("call bundle not summarized", zap.Error(err))
		summary = nil
	}
	evalEnv := program.Env{Now: now, Nonce: env.Nonce, BundleHash: bundleHash, Bundle: summary}
	if err := program.Evaluate(ctx, checks, evalEnv, p.factsFor(cfg)); err != nil {
		return domain.ReasonCheckFailed, nil, err
	}

	// 8. Потребление nonce — последним
	// поколение привязывает потребление к тому конфигу, по которому проверяли подпись
	if err := p.guard.Consume(ctx, key, cfg.Generation, &env.Nonce); err != nil {
		if errors.Is(err, domain.ErrNonceMismatch) {
			return domain.ReasonNonceMismatch, nil, err
		}
		if errors.Is(err, domain.ErrConfigChanged) {
			return domain.ReasonConfigChanged, nil, err
		}
		return storeReason(err), nil, err
	}
	return domain.ReasonNone, &env.Nonce, nil
}

func storeReason(err error) domain.Reason {
	if errors.Is(err, domain.ErrNotInitialized) {
		return domain.ReasonNotInstalled
	}
	return domain.ReasonStoreUnavailable
}

func (p *IntentPolicy) recordVerdict(ctx context.Context, kind string, principal common.Address, id domain.InstanceID,
	verdict domain.Verdict, reason domain.Reason, nonce *uint256.Int, cause error, start time.Time) {
	elapsed := time.Since(start)
	traceID := audit.TraceID(ctx)

	if verdict == domain.VerdictFailed {
		p.logger.Debug("verdict failed",
			zap.String("trace_id", traceID),
			zap.String("principal", principal.Hex()),
			zap.String("instance_id", id.Hex()),
			zap.String("reason", string(reason)),
			zap.Error(cause))
	}

	ev := audit.VerdictEvent{
		ID:         uuid.NewString(),
		TraceID:    traceID,
		Kind:       kind,
		Principal:  principal.Hex(),
		InstanceID: id.Hex(),
		Verdict:    verdict.String(),
		Reason:     string(reason),
		DurationMs: elapsed.Milliseconds(),
	}
	if nonce != nil {
		ev.Nonce = nonce.Dec()
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	p.auditor.Log(ev)

	if p.recorder != nil {
		p.recorder.ObserveVerdict(kind, verdict.String(), string(reason), elapsed)
	}
}

func (p *IntentPolicy) lifecycle(ctx context.Context, kind string, principal common.Address, id domain.InstanceID, err error, start time.Time) {
	elapsed := time.Since(start)
	result := "OK"
	ev := audit.VerdictEvent{
		ID:         uuid.NewString(),
		TraceID:    audit.TraceID(ctx),
		Kind:       kind,
		Principal:  principal.Hex(),
		InstanceID: id.Hex(),
		DurationMs: elapsed.Milliseconds(),
	}
	if err != nil {
		result = "ERROR"
		ev.Error = err.Error()
		p.logger.Info("lifecycle call rejected",
			zap.String("kind", kind),
			zap.String("principal", principal.Hex()),
			zap.String("instance_id", id.Hex()),
			zap.Error(err))
	} else {
		p.logger.Info("lifecycle call applied",
			zap.String("kind", kind),
			zap.String("principal", principal.Hex()),
			zap.String("instance_id", id.Hex()))
	}
	ev.Verdict = result
	p.auditor.Log(ev)

	if p.recorder != nil {
		p.recorder.ObserveVerdict(kind, result, "", elapsed)
	}
}
