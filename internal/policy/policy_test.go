package policy

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/intentguard/internal/audit"
	"github.com/xela07ax/intentguard/internal/domain"
	"github.com/xela07ax/intentguard/internal/envelope"
	"github.com/xela07ax/intentguard/internal/facts"
	"github.com/xela07ax/intentguard/internal/program"
	"github.com/xela07ax/intentguard/internal/store"
)

const now = 1_000_000

var (
	principal = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	sources   = domain.FactSources{
		StateSource:     common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		PositionSource:  common.HexToAddress("0x00000000000000000000000000000000000000a2"),
		LiquiditySource: common.HexToAddress("0x00000000000000000000000000000000000000a3"),
	}
	callData = []byte{0xde, 0xad, 0xbe, 0xef}
)

type stubFacts struct {
	tick  int32
	reads int
}

func (s *stubFacts) Slot0(context.Context, [32]byte) (domain.Slot0, error) {
	s.reads++
	return domain.Slot0{Tick: s.tick}, nil
}
func (s *stubFacts) PositionOpen(context.Context, [32]byte) (bool, error) { return false, nil }
func (s *stubFacts) QueuedAmount(context.Context, common.Address, common.Address) (*uint256.Int, error) {
	return new(uint256.Int), nil
}
func (s *stubFacts) Reserve(context.Context, common.Address) (*uint256.Int, error) {
	return new(uint256.Int), nil
}
func (s *stubFacts) SettledAmounts(context.Context, [32]byte) (*uint256.Int, *uint256.Int, error) {
	return new(uint256.Int), new(uint256.Int), nil
}
func (s *stubFacts) CommitmentMaxima(context.Context, [32]byte) (*uint256.Int, *uint256.Int, error) {
	return new(uint256.Int), new(uint256.Int), nil
}
func (s *stubFacts) GraceState(context.Context, [32]byte) (domain.GraceState, error) {
	return domain.GraceState{}, nil
}
func (s *stubFacts) StaticCall(context.Context, common.Address, [4]byte, []byte) (domain.StaticResult, error) {
	return domain.StaticResult{}, errors.New("not allowed")
}

type countingAuth struct {
	next  Authenticator
	calls int
}

func (c *countingAuth) Authenticate(b envelope.Binding, env *envelope.Envelope, expected common.Address) error {
	c.calls++
	return c.next.Authenticate(b, env, expected)
}

type memAuditor struct {
	mu     sync.Mutex
	events []audit.VerdictEvent
}

func (m *memAuditor) Log(e audit.VerdictEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

type fixture struct {
	policy   *IntentPolicy
	store    *store.MemoryStore
	verifier *envelope.Verifier
	auth     *countingAuth
	facts    *stubFacts
	auditor  *memAuditor
	key      *ecdsa.PrivateKey
	signer   common.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	f := &fixture{
		store: store.NewMemoryStore(),
		verifier: envelope.NewVerifier(envelope.Domain{
			Name:              envelope.DefaultDomainName,
			Version:           envelope.DefaultDomainVersion,
			ChainID:           big.NewInt(31337),
			VerifyingContract: common.HexToAddress("0x00000000000000000000000000000000000c0de0"),
		}),
		facts:   &stubFacts{},
		auditor: &memAuditor{},
		key:     key,
		signer:  crypto.PubkeyToAddress(key.PublicKey),
	}
	f.auth = &countingAuth{next: f.verifier}
	f.policy = New(f.store, f.auth, func(domain.InstanceConfig) program.Facts { return f.facts }, Options{
		Clock:   facts.FixedClock(now),
		Auditor: f.auditor,
	})
	return f
}

func (f *fixture) install(t *testing.T, id domain.InstanceID) {
	t.Helper()
	require.NoError(t, f.policy.OnInstall(context.Background(), principal, EncodeInstallData(id, f.signer, sources)))
}

type envOpts struct {
	nonce    uint64
	deadline uint64
	bundle   []byte
	checks   []program.Check
	key      *ecdsa.PrivateKey
}

func (f *fixture) op(t *testing.T, id domain.InstanceID, o envOpts) *domain.UserOperation {
	t.Helper()
	if o.deadline == 0 {
		o.deadline = now + 60
	}
	if o.bundle == nil {
		o.bundle = callData
	}
	if o.key == nil {
		o.key = f.key
	}
	prog, err := program.Encode(o.checks)
	require.NoError(t, err)

	env := &envelope.Envelope{
		Version:        1,
		Deadline:       o.deadline,
		CallBundleHash: domain.Keccak256(o.bundle),
		Program:        prog,
	}
	env.Nonce.SetUint64(o.nonce)
	require.NoError(t, f.verifier.SignEnvelope(envelope.Binding{Principal: principal, InstanceID: id}, env, o.key))

	raw, err := envelope.Encode(env)
	require.NoError(t, err)
	return &domain.UserOperation{Sender: principal, CallData: callData, Signature: raw}
}

func (f *fixture) check(id domain.InstanceID, op *domain.UserOperation) domain.Verdict {
	return f.policy.CheckUserOpPolicy(context.Background(), principal, id, op)
}

func (f *fixture) lastReason() string {
	f.auditor.mu.Lock()
	defer f.auditor.mu.Unlock()
	return f.auditor.events[len(f.auditor.events)-1].Reason
}

func TestCheck_UninitializedFailsClosed(t *testing.T) {
	f := newFixture(t)
	id := domain.InstanceID{1}

	assert.Equal(t, domain.VerdictFailed, f.check(id, f.op(t, id, envOpts{})))
	assert.Zero(t, f.auth.calls)
	assert.Equal(t, string(domain.ReasonNotInstalled), f.lastReason())
}

func TestCheck_HappyPathConsumesNonce(t *testing.T) {
	f := newFixture(t)
	id := domain.InstanceID{1}
	f.install(t, id)

	assert.Equal(t, domain.VerdictSuccess, f.check(id, f.op(t, id, envOpts{})))

	n, err := f.policy.ExpectedNonce(context.Background(), principal, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n.Uint64())
	assert.Equal(t, "0", f.auditor.events[len(f.auditor.events)-1].Nonce)
}

func TestCheck_Deadline(t *testing.T) {
	f := newFixture(t)
	id := domain.InstanceID{1}
	f.install(t, id)

	assert.Equal(t, domain.VerdictFailed, f.check(id, f.op(t, id, envOpts{deadline: now - 1})))
	assert.Equal(t, string(domain.ReasonDeadlineExpired), f.lastReason())

	// deadline == now еще действителен
	assert.Equal(t, domain.VerdictSuccess, f.check(id, f.op(t, id, envOpts{deadline: now})))
}

func TestCheck_BundleHashBinding(t *testing.T) {
	f := newFixture(t)
	id := domain.InstanceID{1}
	f.install(t, id)

	op := f.op(t, id, envOpts{})
	op.CallData = []byte{0x00}
	assert.Equal(t, domain.VerdictFailed, f.check(id, op))
	assert.Equal(t, string(domain.ReasonBundleMismatch), f.lastReason())

	n, err := f.policy.ExpectedNonce(context.Background(), principal, id)
	require.NoError(t, err)
	assert.True(t, n.IsZero())
}

func TestCheck_SignatureBinding(t *testing.T) {
	f := newFixture(t)
	id := domain.InstanceID{1}
	f.install(t, id)

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictFailed, f.check(id, f.op(t, id, envOpts{key: other})))
	assert.Equal(t, string(domain.ReasonBadSignature), f.lastReason())

	// подпись для другого инстанса того же принципала не подходит
	f.install(t, domain.InstanceID{2})
	assert.Equal(t, domain.VerdictFailed, f.check(domain.InstanceID{2}, f.op(t, id, envOpts{})))
}

func TestCheck_StrictNonceSequencing(t *testing.T) {
	f := newFixture(t)
	id := domain.InstanceID{1}
	f.install(t, id)

	first := f.op(t, id, envOpts{nonce: 0})
	assert.Equal(t, domain.VerdictSuccess, f.check(id, first))
	assert.Equal(t, domain.VerdictFailed, f.check(id, first))
	assert.Equal(t, string(domain.ReasonNonceMismatch), f.lastReason())

	assert.Equal(t, domain.VerdictFailed, f.check(id, f.op(t, id, envOpts{nonce: 5})))
	assert.Equal(t, domain.VerdictSuccess, f.check(id, f.op(t, id, envOpts{nonce: 1})))
}

func TestCheck_TickRangeProgram(t *testing.T) {
	f := newFixture(t)
	id := domain.InstanceID{1}
	f.install(t, id)
	checks := []program.Check{program.TickRangeCheck{Min: -100, Max: 100}}

	f.facts.tick = 250
	assert.Equal(t, domain.VerdictFailed, f.check(id, f.op(t, id, envOpts{checks: checks})))
	assert.Equal(t, string(domain.ReasonCheckFailed), f.lastReason())

	// провал программы не потребляет nonce
	f.facts.tick = 10
	assert.Equal(t, domain.VerdictSuccess, f.check(id, f.op(t, id, envOpts{checks: checks})))
}

func TestCheck_MalformedInputs(t *testing.T) {
	f := newFixture(t)
	id := domain.InstanceID{1}
	f.install(t, id)

	assert.Equal(t, domain.VerdictFailed, f.check(id, &domain.UserOperation{CallData: callData, Signature: []byte{0x00, 0x01}}))
	assert.Equal(t, string(domain.ReasonMalformedEnvelope), f.lastReason())

	assert.Equal(t, domain.VerdictFailed, f.check(id, nil))

	// неизвестный опкод в подписанной программе
	op := f.op(t, id, envOpts{})
	env, err := envelope.Parse(op.Signature)
	require.NoError(t, err)
	env.Program = []byte{0x7f}
	require.NoError(t, f.verifier.SignEnvelope(envelope.Binding{Principal: principal, InstanceID: id}, env, f.key))
	op.Signature, err = envelope.Encode(env)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictFailed, f.check(id, op))
	assert.Equal(t, string(domain.ReasonMalformedProgram), f.lastReason())
}

func TestTeardown(t *testing.T) {
	f := newFixture(t)
	a, b := domain.InstanceID{1}, domain.InstanceID{2}
	f.install(t, a)
	f.install(t, b)

	op := f.op(t, a, envOpts{})
	require.NoError(t, f.policy.OnUninstall(context.Background(), principal, a[:]))
	assert.Equal(t, domain.VerdictFailed, f.check(a, op))
	assert.Equal(t, domain.VerdictSuccess, f.check(b, f.op(t, b, envOpts{})))
}

func TestMultiInstanceIndependence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := domain.InstanceID{1}, domain.InstanceID{2}
	f.install(t, a)
	f.install(t, b)

	assert.Equal(t, domain.VerdictSuccess, f.check(a, f.op(t, a, envOpts{nonce: 0})))
	assert.Equal(t, domain.VerdictSuccess, f.check(a, f.op(t, a, envOpts{nonce: 1})))
	assert.Equal(t, domain.VerdictSuccess, f.check(b, f.op(t, b, envOpts{nonce: 0})))

	ok, err := f.policy.IsInitialized(ctx, principal)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.policy.OnUninstall(ctx, principal, a[:]))
	ok, err = f.policy.IsInitialized(ctx, principal)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.policy.OnUninstall(ctx, principal, b[:]))
	ok, err = f.policy.IsInitialized(ctx, principal)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLifecycleMisuse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := domain.InstanceID{1}

	assert.ErrorIs(t, f.policy.OnUninstall(ctx, principal, id[:]), domain.ErrNotInitialized)
	assert.ErrorIs(t, f.policy.OnInstall(ctx, principal, []byte{1, 2}), domain.ErrInvalidInitData)

	data := EncodeInstallData(id, f.signer, sources)
	assert.ErrorIs(t, f.policy.OnInstall(ctx, principal, data[:len(data)-1]), domain.ErrInvalidInitData)

	bad := append([]byte(nil), data...)
	bad[32] = 2
	assert.ErrorIs(t, f.policy.OnInstall(ctx, principal, bad), domain.ErrUnsupportedVersion)

	assert.ErrorIs(t, f.policy.OnInstall(ctx, principal, EncodeInstallData(id, common.Address{}, sources)), domain.ErrZeroSigner)

	noLiq := sources
	noLiq.LiquiditySource = common.Address{}
	assert.ErrorIs(t, f.policy.OnInstall(ctx, principal, EncodeInstallData(id, f.signer, noLiq)), domain.ErrZeroFactSource)

	require.NoError(t, f.policy.OnInstall(ctx, principal, data))
	assert.ErrorIs(t, f.policy.OnInstall(ctx, principal, data), domain.ErrAlreadyInitialized)
}

func TestStaticEntryPoints(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.policy.IsModuleType(uint256.NewInt(5)))
	assert.False(t, f.policy.IsModuleType(uint256.NewInt(1)))
	assert.False(t, f.policy.IsModuleType(new(uint256.Int).Lsh(uint256.NewInt(5), 128)))

	v := f.policy.CheckSignaturePolicy(context.Background(), principal, domain.InstanceID{9}, principal, common.Hash{}, nil)
	assert.Equal(t, domain.VerdictSuccess, v)
}

func TestParseInitData(t *testing.T) {
	id := domain.InstanceID{7}
	signer := common.HexToAddress("0x51c0")
	raw := EncodeInstallData(id, signer, sources)

	gotID, initData, err := SplitInstallData(raw)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Len(t, initData, InitDataLength)

	cfg, err := ParseInitData(principal, gotID, initData)
	require.NoError(t, err)
	assert.Equal(t, signer, cfg.AuthorizedSigner)
	assert.Equal(t, sources, cfg.Sources)
	assert.Equal(t, domain.NewInstanceKey(principal, id), cfg.Key())
}

func TestCheck_VerdictTimeout(t *testing.T) {
	f := newFixture(t)
	f.policy.timeout = time.Nanosecond
	id := domain.InstanceID{1}
	f.install(t, id)

	// контекст истекает до оценки программы
	checks := []program.Check{program.DeadlineCheck{Deadline: now + 60}}
	assert.Equal(t, domain.VerdictFailed, f.check(id, f.op(t, id, envOpts{checks: checks})))
}

// pausingStore один раз задерживает чтение конфига между чтением и возвратом.
type pausingStore struct {
	*store.MemoryStore
	armed   atomic.Bool
	reading chan struct{}
	release chan struct{}
}

func (s *pausingStore) Config(ctx context.Context, key domain.InstanceKey) (domain.InstanceConfig, error) {
	cfg, err := s.MemoryStore.Config(ctx, key)
	if s.armed.CompareAndSwap(true, false) {
		s.reading <- struct{}{}
		<-s.release
	}
	return cfg, err
}

func (f *fixture) replica(st store.Store) *IntentPolicy {
	return New(st, f.auth, func(domain.InstanceConfig) program.Facts { return f.facts }, Options{
		Clock:   facts.FixedClock(now),
		Auditor: f.auditor,
	})
}

func TestCheck_ReinstallDuringVerdictRevokesOldSigner(t *testing.T) {
	f := newFixture(t)
	id := domain.InstanceID{1}
	ctx := context.Background()

	inner := &pausingStore{MemoryStore: f.store, reading: make(chan struct{}), release: make(chan struct{})}
	p := f.replica(store.NewCachedStore(inner, nil, nil))
	require.NoError(t, p.OnInstall(ctx, principal, EncodeInstallData(id, f.signer, sources)))

	op := f.op(t, id, envOpts{})
	inner.armed.Store(true)
	verdict := make(chan domain.Verdict, 1)
	go func() { verdict <- p.CheckUserOpPolicy(ctx, principal, id, op) }()
	<-inner.reading

	newKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, p.OnUninstall(ctx, principal, id[:]))
	require.NoError(t, p.OnInstall(ctx, principal, EncodeInstallData(id, crypto.PubkeyToAddress(newKey.PublicKey), sources)))
	close(inner.release)

	assert.Equal(t, domain.VerdictFailed, <-verdict)
	assert.Equal(t, string(domain.ReasonConfigChanged), f.lastReason())

	// старый подписант отозван и после гонки
	assert.Equal(t, domain.VerdictFailed, p.CheckUserOpPolicy(ctx, principal, id, f.op(t, id, envOpts{})))
	assert.Equal(t, string(domain.ReasonBadSignature), f.lastReason())
	assert.Equal(t, domain.VerdictSuccess, p.CheckUserOpPolicy(ctx, principal, id, f.op(t, id, envOpts{key: newKey})))
}

func TestCheck_ForeignReinstallRevokesCachedSigner(t *testing.T) {
	f := newFixture(t)
	id := domain.InstanceID{1}
	ctx := context.Background()

	// две реплики над общим хранилищем, без доставки инвалидаций
	a := f.replica(store.NewCachedStore(f.store, nil, nil))
	b := f.replica(store.NewCachedStore(f.store, nil, nil))
	require.NoError(t, b.OnInstall(ctx, principal, EncodeInstallData(id, f.signer, sources)))
	require.Equal(t, domain.VerdictSuccess, a.CheckUserOpPolicy(ctx, principal, id, f.op(t, id, envOpts{})))

	newKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, b.OnUninstall(ctx, principal, id[:]))
	require.NoError(t, b.OnInstall(ctx, principal, EncodeInstallData(id, crypto.PubkeyToAddress(newKey.PublicKey), sources)))

	assert.Equal(t, domain.VerdictFailed, a.CheckUserOpPolicy(ctx, principal, id, f.op(t, id, envOpts{})))
	assert.Equal(t, string(domain.ReasonConfigChanged), f.lastReason())

	n, err := a.ExpectedNonce(ctx, principal, id)
	require.NoError(t, err)
	assert.True(t, n.IsZero())
	assert.Equal(t, domain.VerdictSuccess, a.CheckUserOpPolicy(ctx, principal, id, f.op(t, id, envOpts{key: newKey})))
}
