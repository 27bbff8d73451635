package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/xela07ax/intentguard/internal/audit"
	"github.com/xela07ax/intentguard/internal/domain"
	"github.com/xela07ax/intentguard/internal/infra/auth"
)

// PolicyModule — точки входа модуля, которые обслуживают транспорты.
// Реализуется *policy.IntentPolicy.
type PolicyModule interface {
	OnInstall(ctx context.Context, principal common.Address, data []byte) error
	OnUninstall(ctx context.Context, principal common.Address, data []byte) error
	IsModuleType(typeID *uint256.Int) bool
	IsInitialized(ctx context.Context, principal common.Address) (bool, error)
	ExpectedNonce(ctx context.Context, principal common.Address, id domain.InstanceID) (*uint256.Int, error)
	CheckUserOpPolicy(ctx context.Context, principal common.Address, id domain.InstanceID, op *domain.UserOperation) domain.Verdict
	CheckSignaturePolicy(ctx context.Context, principal common.Address, id domain.InstanceID, sender common.Address, hash common.Hash, sig []byte) domain.Verdict
}

// AuditReader — история вызовов аккаунта (реализуется postgres.AuditRepo).
type AuditReader interface {
	RecentByPrincipal(ctx context.Context, principal string, limit int) ([]audit.VerdictEvent, error)
}

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500

	// запас на JSON-обвязку, адреса, числа и фиксированную часть конверта
	bodyOverhead = 16 << 10
)

// DefaultMaxBodyBytes — лимит тела запроса, если WithBodyLimit не вызывался.
const DefaultMaxBodyBytes int64 = 1 << 20

// BodyLimit выводит лимит тела запроса из ограничений на программу и payload операции.
// Байтовые поля идут hex-строками, поэтому размер удваивается.
func BodyLimit(maxProgramBytes, maxCallDataBytes int) int64 {
	return 2*int64(maxProgramBytes+maxCallDataBytes) + bodyOverhead
}

// Gateway — HTTP периметр модуля. Принципал всегда берется из токена, не из тела.
type Gateway struct {
	router    *chi.Mux
	policy    PolicyModule
	validator auth.TokenValidator
	audit     AuditReader
	maxBody   int64
	logger    *zap.Logger
}

func NewGateway(p PolicyModule, v auth.TokenValidator, logger *zap.Logger) *Gateway {
	g := &Gateway{
		router:    chi.NewRouter(),
		policy:    p,
		validator: v,
		maxBody:   DefaultMaxBodyBytes,
		logger:    logger.Named("gateway"),
	}
	g.routes()
	return g
}

type installRequest struct {
	// instanceId(32) || initData
	Data hexutil.Bytes `json:"data"`
}

type checkUserOpRequest struct {
	UserOp domain.UserOperation `json:"userOp"`
}

type checkSignatureRequest struct {
	Sender    common.Address `json:"sender"`
	Hash      common.Hash    `json:"hash"`
	Signature hexutil.Bytes  `json:"signature"`
}

type verdictResponse struct {
	Verdict domain.Verdict `json:"verdict"`
	Result  string         `json:"result"`
}

func (g *Gateway) routes() {
	r := g.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RealIP)
	r.Use(TracingMiddleware)
	r.Use(AccessLog(g.logger))
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/v1/module-type/{typeId}", g.isModuleType)

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (RS256 токен аккаунта) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(g.validator, g.logger))

		r.Get("/v1/initialized", g.isInitialized)
		r.Get("/v1/audit", g.auditLog)
		r.Route("/v1/instances", func(r chi.Router) {
			r.Post("/", g.install)
			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", g.uninstall)
				r.Get("/nonce", g.nonce)
				r.Post("/check-userop", g.checkUserOp)
				r.Post("/check-signature", g.checkSignature)
			})
		})
	})
}

// WithAuditReader включает GET /v1/audit (нужен Postgres).
func (g *Gateway) WithAuditReader(r AuditReader) *Gateway {
	g.audit = r
	return g
}

// WithBodyLimit ограничивает размер тела POST-запросов.
func (g *Gateway) WithBodyLimit(n int64) *Gateway {
	if n > 0 {
		g.maxBody = n
	}
	return g
}

// ServeHTTP позволяет использовать Gateway как стандартный http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// POST /v1/instances
func (g *Gateway) install(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	var req installRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	if err := g.policy.OnInstall(r.Context(), principal, req.Data); err != nil {
		g.misuse(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// DELETE /v1/instances/{id}
func (g *Gateway) uninstall(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	id, ok := instanceParam(w, r)
	if !ok {
		return
	}
	if err := g.policy.OnUninstall(r.Context(), principal, id[:]); err != nil {
		g.misuse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /v1/initialized
func (g *Gateway) isInitialized(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	ok, err := g.policy.IsInitialized(r.Context(), principal)
	if err != nil {
		g.logger.Error("isInitialized failed", zap.Error(err))
		http.Error(w, "Store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"initialized": ok})
}

// GET /v1/module-type/{typeId}
func (g *Gateway) isModuleType(w http.ResponseWriter, r *http.Request) {
	typeID, err := uint256.FromDecimal(chi.URLParam(r, "typeId"))
	if err != nil {
		http.Error(w, "typeId must be a decimal uint256", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isModuleType": g.policy.IsModuleType(typeID)})
}

// GET /v1/instances/{id}/nonce
func (g *Gateway) nonce(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	id, ok := instanceParam(w, r)
	if !ok {
		return
	}
	n, err := g.policy.ExpectedNonce(r.Context(), principal, id)
	if err != nil {
		g.misuse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"nonce": n.Dec()})
}

// POST /v1/instances/{id}/check-userop
// Вердикт всегда отдается с 200: причина отказа остается внутри (лог, аудит, метрики).
func (g *Gateway) checkUserOp(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	id, ok := instanceParam(w, r)
	if !ok {
		return
	}
	var req checkUserOpRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	v := g.policy.CheckUserOpPolicy(r.Context(), principal, id, &req.UserOp)
	writeJSON(w, http.StatusOK, verdictResponse{Verdict: v, Result: v.String()})
}

// POST /v1/instances/{id}/check-signature
func (g *Gateway) checkSignature(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	id, ok := instanceParam(w, r)
	if !ok {
		return
	}
	var req checkSignatureRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	v := g.policy.CheckSignaturePolicy(r.Context(), principal, id, req.Sender, req.Hash, req.Signature)
	writeJSON(w, http.StatusOK, verdictResponse{Verdict: v, Result: v.String()})
}

// GET /v1/audit?limit=50
// Отдает только события самого аккаунта; внутренние причины отказа вырезаются.
func (g *Gateway) auditLog(w http.ResponseWriter, r *http.Request) {
	if g.audit == nil {
		http.Error(w, "Audit trail is not configured", http.StatusNotFound)
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())

	limit := defaultAuditLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxAuditLimit {
			http.Error(w, "limit must be in [1, 500]", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := g.audit.RecentByPrincipal(r.Context(), principal.Hex(), limit)
	if err != nil {
		g.logger.Error("audit query failed", zap.Error(err))
		http.Error(w, "Failed to fetch audit logs", http.StatusInternalServerError)
		return
	}
	for i := range events {
		events[i].Reason = ""
		events[i].Error = ""
	}
	if events == nil {
		events = []audit.VerdictEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// misuse переводит ошибки неправильного использования в HTTP статусы.
func (g *Gateway) misuse(w http.ResponseWriter, err error) {
	status := MisuseStatus(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("policy call failed", zap.Error(err))
		http.Error(w, "Internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func MisuseStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrAlreadyInitialized):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotInitialized):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInitData),
		errors.Is(err, domain.ErrUnsupportedVersion),
		errors.Is(err, domain.ErrZeroSigner),
		errors.Is(err, domain.ErrZeroFactSource):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func instanceParam(w http.ResponseWriter, r *http.Request) (domain.InstanceID, bool) {
	id, err := domain.ParseInstanceID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return id, false
	}
	return id, true
}

// decodeBody читает JSON не больше maxBody байт; ответ об ошибке уже записан, если false.
func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, g.maxBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
