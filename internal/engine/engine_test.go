package engine

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"maps"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/xela07ax/intentguard/internal/audit"
	"github.com/xela07ax/intentguard/internal/domain"
	"github.com/xela07ax/intentguard/internal/envelope"
	"github.com/xela07ax/intentguard/internal/facts"
	"github.com/xela07ax/intentguard/internal/infra/auth"
	"github.com/xela07ax/intentguard/internal/policy"
	"github.com/xela07ax/intentguard/internal/program"
	"github.com/xela07ax/intentguard/internal/store"
)

const now = 1_700_000_000

var (
	account = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	sources = domain.FactSources{
		StateSource:     common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		PositionSource:  common.HexToAddress("0x00000000000000000000000000000000000000a2"),
		LiquiditySource: common.HexToAddress("0x00000000000000000000000000000000000000a3"),
	}
	instance = domain.InstanceID{0x42}
	bundle   = []byte{0xca, 0xfe}
)

type harness struct {
	gateway  *Gateway
	metrics  *Metrics
	verifier *envelope.Verifier
	signer   *ecdsa.PrivateKey
	token    string
	policy   *policy.IntentPolicy
	valid    auth.TokenValidator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	token, err := auth.NewIssuer(rsaKey, time.Hour).Issue(account)
	require.NoError(t, err)
	signer, err := crypto.GenerateKey()
	require.NoError(t, err)

	h := &harness{
		metrics: NewMetrics(nil),
		verifier: envelope.NewVerifier(envelope.Domain{
			Name:              envelope.DefaultDomainName,
			Version:           envelope.DefaultDomainVersion,
			ChainID:           big.NewInt(1),
			VerifyingContract: common.HexToAddress("0x0000000000000000000000000000000000000c0d"),
		}),
		signer: signer,
		token:  token,
		valid:  auth.NewBaseValidator(&rsaKey.PublicKey),
	}
	factory := facts.NewFactory(facts.NoBackend{}, facts.Options{Observer: h.metrics})
	h.policy = policy.New(store.NewMemoryStore(), h.verifier,
		func(cfg domain.InstanceConfig) program.Facts { return factory.ForInstance(cfg) },
		policy.Options{Clock: facts.FixedClock(now), Recorder: h.metrics})
	h.gateway = NewGateway(h.policy, h.valid, zap.NewNop())
	return h
}

func (h *harness) installData() []byte {
	return policy.EncodeInstallData(instance, crypto.PubkeyToAddress(h.signer.PublicKey), sources)
}

func (h *harness) userOp(t *testing.T, nonce uint64) domain.UserOperation {
	t.Helper()
	env := &envelope.Envelope{Version: 1, Deadline: now + 30, CallBundleHash: domain.Keccak256(bundle)}
	env.Nonce.SetUint64(nonce)
	require.NoError(t, h.verifier.SignEnvelope(envelope.Binding{Principal: account, InstanceID: instance}, env, h.signer))
	raw, err := envelope.Encode(env)
	require.NoError(t, err)
	return domain.UserOperation{Sender: account, CallData: bundle, Signature: raw}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+h.token)
	rec := httptest.NewRecorder()
	h.gateway.ServeHTTP(rec, req)
	return rec
}

func TestGateway_Lifecycle(t *testing.T) {
	h := newHarness(t)
	path := "/v1/instances/" + instance.Hex()

	rec := h.do(t, http.MethodPost, "/v1/instances", installRequest{Data: h.installData()})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(TraceHeader))

	rec = h.do(t, http.MethodPost, "/v1/instances", installRequest{Data: h.installData()})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/instances", installRequest{Data: []byte{1, 2, 3}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/initialized", nil)
	assert.JSONEq(t, `{"initialized":true}`, rec.Body.String())

	rec = h.do(t, http.MethodGet, path+"/nonce", nil)
	assert.JSONEq(t, `{"nonce":"0"}`, rec.Body.String())

	rec = h.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/initialized", nil)
	assert.JSONEq(t, `{"initialized":false}`, rec.Body.String())
}

func TestGateway_CheckUserOp(t *testing.T) {
	h := newHarness(t)
	path := "/v1/instances/" + instance.Hex() + "/check-userop"
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/v1/instances", installRequest{Data: h.installData()}).Code)

	op := h.userOp(t, 0)
	rec := h.do(t, http.MethodPost, path, checkUserOpRequest{UserOp: op})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"verdict":0,"result":"SUCCESS"}`, rec.Body.String())

	// повтор: вердикт FAILED, причина наружу не уходит
	rec = h.do(t, http.MethodPost, path, checkUserOpRequest{UserOp: op})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"verdict":1,"result":"FAILED"}`, rec.Body.String())

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.VerdictTotal.WithLabelValues(audit.KindCheckUserOp, "SUCCESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FailureTotal.WithLabelValues(string(domain.ReasonNonceMismatch))))

	rec = h.do(t, http.MethodPost, "/v1/instances/"+instance.Hex()+"/check-signature",
		checkSignatureRequest{Sender: account, Signature: hexutil.Bytes{0x01}})
	assert.JSONEq(t, `{"verdict":0,"result":"SUCCESS"}`, rec.Body.String())
}

func TestGateway_BodyLimit(t *testing.T) {
	h := newHarness(t)
	h.gateway.WithBodyLimit(BodyLimit(64, 64))
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/v1/instances", installRequest{Data: h.installData()}).Code)

	op := h.userOp(t, 0)
	op.CallData = make([]byte, 64<<10)
	rec := h.do(t, http.MethodPost, "/v1/instances/"+instance.Hex()+"/check-userop", checkUserOpRequest{UserOp: op})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	n, err := h.policy.ExpectedNonce(context.Background(), account, instance)
	require.NoError(t, err)
	assert.True(t, n.IsZero())

	assert.Equal(t, int64(2*(8<<10+128<<10)+16<<10), BodyLimit(8<<10, 128<<10))
}

func TestGateway_PublicAndAuth(t *testing.T) {
	h := newHarness(t)

	rec := httptest.NewRecorder()
	h.gateway.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/module-type/5", nil))
	assert.JSONEq(t, `{"isModuleType":true}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.gateway.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/module-type/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.gateway.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/initialized", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/instances/0x1234/nonce", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGRPC_PolicyService(t *testing.T) {
	h := newHarness(t)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryAuthInterceptor(h.valid, zap.NewNop())))
	RegisterPolicyServiceServer(srv, NewGRPCPolicyServer(h.policy, zap.NewNop()))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	client := NewPolicyServiceClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// публичный метод без токена
	out, err := client.Call(ctx, "IsModuleType", map[string]any{"type_id": "5"})
	require.NoError(t, err)
	assert.True(t, out.GetFields()["is_module_type"].GetBoolValue())

	_, err = client.Call(ctx, "IsInitialized", nil)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+h.token)
	_, err = client.Call(authed, "Install", map[string]any{"data": hexutil.Encode(h.installData())})
	require.NoError(t, err)
	_, err = client.Call(authed, "Install", map[string]any{"data": hexutil.Encode(h.installData())})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	op := h.userOp(t, 0)
	raw, err := json.Marshal(op)
	require.NoError(t, err)
	var opMap map[string]any
	require.NoError(t, json.Unmarshal(raw, &opMap))

	out, err = client.Call(authed, "CheckUserOp", map[string]any{"instance_id": instance.Hex(), "user_op": opMap})
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", out.GetFields()["result"].GetStringValue())

	out, err = client.Call(authed, "ExpectedNonce", map[string]any{"instance_id": instance.Hex()})
	require.NoError(t, err)
	assert.Equal(t, "1", out.GetFields()["nonce"].GetStringValue())

	sigReq := map[string]any{
		"instance_id": instance.Hex(),
		"sender":      account.Hex(),
		"hash":        common.Hash{0x01}.Hex(),
		"signature":   "0x01",
	}
	out, err = client.Call(authed, "CheckSignature", sigReq)
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", out.GetFields()["result"].GetStringValue())

	for field, bad := range map[string]string{"signature": "0xzz", "sender": "0x1234", "hash": "nothex"} {
		req := maps.Clone(sigReq)
		req[field] = bad
		_, err = client.Call(authed, "CheckSignature", req)
		assert.Equal(t, codes.InvalidArgument, status.Code(err), field)
	}

	_, err = client.Call(authed, "Uninstall", map[string]any{"instance_id": instance.Hex()})
	require.NoError(t, err)
	_, err = client.Call(authed, "Uninstall", map[string]any{"instance_id": instance.Hex()})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestMetrics_Observers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveVerdict(audit.KindCheckUserOp, "FAILED", "deadline_expired", 3*time.Millisecond)
	m.FactRead("slot0", "ok")
	m.BreakerStateChanged("rpc", gobreaker.StateOpen)
	m.AuditBufferFill.Set(7)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FailureTotal.WithLabelValues("deadline_expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FactReads.WithLabelValues("slot0", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("rpc")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.AuditBufferFill))
	assert.Equal(t, 1, testutil.CollectAndCount(m.VerdictDuration))
}

type fakeAuditReader struct {
	principal string
	limit     int
}

func (f *fakeAuditReader) RecentByPrincipal(_ context.Context, principal string, limit int) ([]audit.VerdictEvent, error) {
	f.principal, f.limit = principal, limit
	return []audit.VerdictEvent{{
		ID:      "e1",
		Kind:    audit.KindCheckUserOp,
		Verdict: "FAILED",
		Reason:  string(domain.ReasonDeadlineExpired),
		Error:   "boom",
	}}, nil
}

func TestGateway_AuditLog(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/v1/audit", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	reader := &fakeAuditReader{}
	h.gateway.WithAuditReader(reader)

	rec = h.do(t, http.MethodGet, "/v1/audit?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, account.Hex(), reader.principal)
	assert.Equal(t, 10, reader.limit)
	assert.NotContains(t, rec.Body.String(), "deadline_expired")
	assert.NotContains(t, rec.Body.String(), "boom")

	rec = h.do(t, http.MethodGet, "/v1/audit?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
