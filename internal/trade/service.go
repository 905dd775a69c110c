// Package trade provides the HTTP handlers for the arena ledger: profiles,
// arenas, trading accounts, positions, trade records and delegation.
//
// The caller identity is the base58 public key in the X-Signer header.
// Quantities use shopspring/decimal, never float64.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/atmx/arena-ledger/internal/address"
	"github.com/atmx/arena-ledger/internal/delegation"
	"github.com/atmx/arena-ledger/internal/ledger"
)

// SignerHeader carries the caller identity.
const SignerHeader = "X-Signer"

var errMissingSigner = errors.New("missing " + SignerHeader + " header")

// Service exposes ledger operations over HTTP.
type Service struct {
	engine   *ledger.Engine
	validate *validator.Validate
}

// NewService creates a new trade service. Real-time broadcasts reach
// WebSocket clients through the engine's publisher, not the handlers.
func NewService(engine *ledger.Engine) *Service {
	return &Service{
		engine:   engine,
		validate: validator.New(),
	}
}

// Routes registers every ledger handler under r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/admin/config", s.InitializeAdminConfig)

	r.Post("/profiles", s.CreateProfile)
	r.Get("/profiles/{owner}", s.GetProfile)
	r.Get("/profiles/{owner}/arenas", s.ListArenasByCreator)

	r.Post("/arenas", s.CreateArena)
	r.Get("/arenas/{arena}", s.GetArena)
	r.Get("/arenas/{arena}/leaderboard", s.GetLeaderboard)
	r.Post("/arenas/{arena}/trading-accounts", s.CreateTradingAccount)
	r.Get("/arenas/{arena}/trading-accounts/{owner}", s.GetTradingAccount)
	r.Post("/arenas/{arena}/positions", s.OpenPosition)
	r.Delete("/arenas/{arena}/positions", s.CloseAllPositions)
	r.Post("/arenas/{arena}/trades", s.TradeInArena)
	r.Post("/arenas/{arena}/delegate-all", s.DelegateAll)
	r.Post("/arenas/{arena}/undelegate-all", s.UndelegateAll)

	r.Get("/trading-accounts/{account}/positions", s.ListPositions)

	r.Get("/positions/{position}", s.GetPosition)
	r.Patch("/positions/{position}", s.UpdatePosition)
	r.Delete("/positions/{position}", s.ClosePosition)

	r.Get("/accounts/{address}/delegation", s.GetDelegation)
	r.Post("/accounts/{address}/delegate", s.Delegate)
	r.Post("/accounts/{address}/undelegate", s.Undelegate)
	r.Post("/accounts/{address}/commit", s.Commit)
}

// --- Request/Response types ---

// CreateProfileRequest is the JSON body for POST /profiles.
type CreateProfileRequest struct {
	Name string `json:"name" validate:"required"`
}

// CreateArenaRequest is the JSON body for POST /arenas. Times are unix
// seconds; zero leaves that side open.
type CreateArenaRequest struct {
	Name      string `json:"name"`
	EntryFee  uint64 `json:"entry_fee"`
	StartsAt  int64  `json:"starts_at" validate:"gte=0"`
	ExpiresAt int64  `json:"expires_at" validate:"gte=0"`
}

// OpenPositionRequest is the JSON body for POST /arenas/{arena}/positions.
type OpenPositionRequest struct {
	Asset    string          `json:"asset" validate:"required"`
	Quantity decimal.Decimal `json:"quantity"`
}

// UpdatePositionRequest is the JSON body for PATCH /positions/{position}.
// Negative deltas sell.
type UpdatePositionRequest struct {
	DeltaQuantity decimal.Decimal `json:"delta_quantity"`
}

// DelegationResponse describes where an account lives.
type DelegationResponse struct {
	Address   string `json:"address"`
	Status    string `json:"status"`
	Delegated bool   `json:"delegated"`
}

// BulkResult is one account's outcome in a bulk operation.
type BulkResult struct {
	Address string `json:"address"`
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

// --- HTTP Handlers ---

// InitializeAdminConfig handles POST /api/v1/admin/config
func (s *Service) InitializeAdminConfig(w http.ResponseWriter, r *http.Request) {
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	cfg, err := s.engine.InitializeAdminConfig(r.Context(), signer)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

// CreateProfile handles POST /api/v1/profiles
func (s *Service) CreateProfile(w http.ResponseWriter, r *http.Request) {
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	var req CreateProfileRequest
	if !s.decode(w, r, &req) {
		return
	}
	profile, err := s.engine.CreateProfile(r.Context(), signer, req.Name)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

// GetProfile handles GET /api/v1/profiles/{owner}
func (s *Service) GetProfile(w http.ResponseWriter, r *http.Request) {
	owner, ok := pathAddress(w, r, "owner")
	if !ok {
		return
	}
	profile, err := s.engine.Profile(r.Context(), owner)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// ListArenasByCreator handles GET /api/v1/profiles/{owner}/arenas
func (s *Service) ListArenasByCreator(w http.ResponseWriter, r *http.Request) {
	owner, ok := pathAddress(w, r, "owner")
	if !ok {
		return
	}
	arenas, err := s.engine.ArenasByCreator(r.Context(), owner)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, arenas)
}

// CreateArena handles POST /api/v1/arenas
func (s *Service) CreateArena(w http.ResponseWriter, r *http.Request) {
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	var req CreateArenaRequest
	if !s.decode(w, r, &req) {
		return
	}
	arena, err := s.engine.CreateArena(r.Context(), signer, ledger.ArenaParams{
		Name:      req.Name,
		EntryFee:  req.EntryFee,
		StartsAt:  req.StartsAt,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, arena)
}

// GetArena handles GET /api/v1/arenas/{arena}
func (s *Service) GetArena(w http.ResponseWriter, r *http.Request) {
	arena, ok := pathAddress(w, r, "arena")
	if !ok {
		return
	}
	a, err := s.engine.Arena(r.Context(), arena)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetLeaderboard handles GET /api/v1/arenas/{arena}/leaderboard
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	arena, ok := pathAddress(w, r, "arena")
	if !ok {
		return
	}
	board, err := s.engine.Leaderboard(r.Context(), arena)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if board == nil {
		board = []ledger.Standing{}
	}
	writeJSON(w, http.StatusOK, board)
}

// CreateTradingAccount handles POST /api/v1/arenas/{arena}/trading-accounts
func (s *Service) CreateTradingAccount(w http.ResponseWriter, r *http.Request) {
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	arena, ok := pathAddress(w, r, "arena")
	if !ok {
		return
	}
	ta, err := s.engine.CreateTradingAccount(r.Context(), signer, arena)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ta)
}

// GetTradingAccount handles GET /api/v1/arenas/{arena}/trading-accounts/{owner}
func (s *Service) GetTradingAccount(w http.ResponseWriter, r *http.Request) {
	arena, ok := pathAddress(w, r, "arena")
	if !ok {
		return
	}
	owner, ok := pathAddress(w, r, "owner")
	if !ok {
		return
	}
	ta, err := s.engine.TradingAccount(r.Context(), owner, arena)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ta)
}

// OpenPosition handles POST /api/v1/arenas/{arena}/positions
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	arena, ok := pathAddress(w, r, "arena")
	if !ok {
		return
	}
	var req OpenPositionRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.engine.OpenPosition(r.Context(), signer, arena, req.Asset, req.Quantity)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// CloseAllPositions handles DELETE /api/v1/arenas/{arena}/positions
func (s *Service) CloseAllPositions(w http.ResponseWriter, r *http.Request) {
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	arena, ok := pathAddress(w, r, "arena")
	if !ok {
		return
	}
	results, err := s.engine.CloseAllPositions(r.Context(), signer, arena)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	out := make([]BulkResult, 0, len(results))
	for _, res := range results {
		out = append(out, bulkResult(res.Position, res.Err))
	}
	writeJSON(w, http.StatusOK, out)
}

// TradeInArena handles POST /api/v1/arenas/{arena}/trades
func (s *Service) TradeInArena(w http.ResponseWriter, r *http.Request) {
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	arena, ok := pathAddress(w, r, "arena")
	if !ok {
		return
	}
	trade, err := s.engine.TradeInArena(r.Context(), signer, arena)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trade)
}

// ListPositions handles GET /api/v1/trading-accounts/{account}/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	account, ok := pathAddress(w, r, "account")
	if !ok {
		return
	}
	positions, err := s.engine.Positions(r.Context(), account)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPosition handles GET /api/v1/positions/{position}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, ok := pathAddress(w, r, "position")
	if !ok {
		return
	}
	p, err := s.engine.Position(r.Context(), pos)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UpdatePosition handles PATCH /api/v1/positions/{position}
func (s *Service) UpdatePosition(w http.ResponseWriter, r *http.Request) {
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	pos, ok := pathAddress(w, r, "position")
	if !ok {
		return
	}
	var req UpdatePositionRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.engine.UpdatePosition(r.Context(), signer, pos, req.DeltaQuantity)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ClosePosition handles DELETE /api/v1/positions/{position}
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	pos, ok := pathAddress(w, r, "position")
	if !ok {
		return
	}
	res, err := s.engine.ClosePosition(r.Context(), signer, pos)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetDelegation handles GET /api/v1/accounts/{address}/delegation
func (s *Service) GetDelegation(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	st, err := s.engine.DelegationStatus(r.Context(), addr)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DelegationResponse{
		Address:   addr.String(),
		Status:    st.String(),
		Delegated: st == delegation.StatusDelegated,
	})
}

// Delegate handles POST /api/v1/accounts/{address}/delegate
func (s *Service) Delegate(w http.ResponseWriter, r *http.Request) {
	s.moveAccount(w, r, s.engine.Delegate)
}

// Undelegate handles POST /api/v1/accounts/{address}/undelegate
func (s *Service) Undelegate(w http.ResponseWriter, r *http.Request) {
	s.moveAccount(w, r, s.engine.Undelegate)
}

// Commit handles POST /api/v1/accounts/{address}/commit
func (s *Service) Commit(w http.ResponseWriter, r *http.Request) {
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	res, err := s.engine.Commit(r.Context(), signer, addr)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DelegateAll handles POST /api/v1/arenas/{arena}/delegate-all
func (s *Service) DelegateAll(w http.ResponseWriter, r *http.Request) {
	s.moveGroup(w, r, s.engine.DelegateAll)
}

// UndelegateAll handles POST /api/v1/arenas/{arena}/undelegate-all
func (s *Service) UndelegateAll(w http.ResponseWriter, r *http.Request) {
	s.moveGroup(w, r, s.engine.UndelegateAll)
}

func (s *Service) moveAccount(w http.ResponseWriter, r *http.Request, move func(ctx context.Context, caller, addr address.Address) error) {
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	if err := move(r.Context(), signer, addr); err != nil {
		writeLedgerError(w, err)
		return
	}
	st, err := s.engine.DelegationStatus(r.Context(), addr)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DelegationResponse{
		Address:   addr.String(),
		Status:    st.String(),
		Delegated: st == delegation.StatusDelegated,
	})
}

func (s *Service) moveGroup(w http.ResponseWriter, r *http.Request, move func(ctx context.Context, caller, arena address.Address) ([]delegation.Result, error)) {
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	arena, ok := pathAddress(w, r, "arena")
	if !ok {
		return
	}
	results, err := move(r.Context(), signer, arena)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	out := make([]BulkResult, 0, len(results))
	for _, res := range results {
		out = append(out, bulkResult(res.Address, res.Err))
	}
	writeJSON(w, http.StatusOK, out)
}

// --- helpers ---

func (s *Service) signer(w http.ResponseWriter, r *http.Request) (address.Address, bool) {
	raw := r.Header.Get(SignerHeader)
	if raw == "" {
		writeError(w, errMissingSigner.Error(), "MissingSigner", http.StatusUnauthorized)
		return address.Address{}, false
	}
	addr, err := address.Parse(raw)
	if err != nil {
		writeError(w, "invalid "+SignerHeader+": "+err.Error(), "InvalidAddress", http.StatusUnauthorized)
		return address.Address{}, false
	}
	return addr, true
}

func (s *Service) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", "InvalidRequest", http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, err.Error(), "InvalidRequest", http.StatusBadRequest)
		return false
	}
	return true
}

func pathAddress(w http.ResponseWriter, r *http.Request, param string) (address.Address, bool) {
	addr, err := address.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, "invalid "+param+" address", "InvalidAddress", http.StatusBadRequest)
		return address.Address{}, false
	}
	return addr, true
}

func bulkResult(addr address.Address, err error) BulkResult {
	if err == nil {
		return BulkResult{Address: addr.String(), OK: true}
	}
	return BulkResult{Address: addr.String(), Code: ledger.Code(err), Error: err.Error()}
}

// statusFor maps a ledger error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case "NameTooLong", "AssetNameTooLong", "InvalidAsset", "ShortingUnsupported",
		"InvalidQuantity", "InvalidSchedule", "AddressDerivationOverflow":
		return http.StatusBadRequest
	case "Unauthorized":
		return http.StatusForbidden
	case "UnknownUser", "UnknownArena", "UnknownTradingAccount", "UnknownPosition",
		"NotFound", "AccountUnavailable":
		return http.StatusNotFound
	case "AlreadyExists", "Conflict", "MixedLocation", "SequenceExhausted":
		return http.StatusConflict
	case "InsufficientFunds", "InvalidResultingQuantity", "ArenaNotActive",
		"NotDelegatable", "BalanceOverflow", "QuantityOverflow":
		return http.StatusUnprocessableEntity
	case "PriceUnavailable", "PriceStale", "CommitMismatch":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeLedgerError(w http.ResponseWriter, err error) {
	code := ledger.Code(err)
	writeError(w, err.Error(), code, statusFor(code))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
