package trade_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"

	"github.com/atmx/arena-ledger/internal/address"
	"github.com/atmx/arena-ledger/internal/delegation"
	"github.com/atmx/arena-ledger/internal/ledger"
	"github.com/atmx/arena-ledger/internal/model"
	"github.com/atmx/arena-ledger/internal/oracle"
	"github.com/atmx/arena-ledger/internal/store"
	"github.com/atmx/arena-ledger/internal/trade"
)

var epoch = time.Unix(1_750_000_000, 0)

type testEnv struct {
	engine *ledger.Engine
	prices *oracle.Static
	router chi.Router
}

// newTestEnv creates a test Service over in-memory ledgers and a chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	prices := oracle.NewStatic()
	prices.Set("BTC", oracle.Quote{RawPrice: 100_000_000_000, Exponent: -8, PublishTime: epoch})

	coord := delegation.NewCoordinator(delegation.Config{
		Base:   store.NewMemoryStore(),
		Rollup: store.NewMemoryStore(),
	})
	eng := ledger.New(ledger.Config{
		Coordinator: coord,
		Oracle:      prices,
		Now:         func() time.Time { return epoch },
	})
	svc := trade.NewService(eng)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return &testEnv{engine: eng, prices: prices, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, signer *address.Address, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if signer != nil {
		req.Header.Set(trade.SignerHeader, signer.String())
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	expectStatus(t, w, status)
	var resp map[string]string
	decodeBody(t, w, &resp)
	if resp["code"] != code {
		t.Errorf("expected code %s, got %s (%s)", code, resp["code"], resp["error"])
	}
}

// onboard creates a profile, an arena and a trading account for a fresh identity.
func (e *testEnv) onboard(t *testing.T, name string) (address.Address, model.ArenaAccount, model.TradingAccountForArena) {
	t.Helper()
	owner := solana.NewWallet().PublicKey()

	expectStatus(t, e.do(t, "POST", "/api/v1/profiles", &owner, trade.CreateProfileRequest{Name: name}), http.StatusCreated)

	w := e.do(t, "POST", "/api/v1/arenas", &owner, trade.CreateArenaRequest{Name: name + " cup"})
	expectStatus(t, w, http.StatusCreated)
	var arena model.ArenaAccount
	decodeBody(t, w, &arena)

	w = e.do(t, "POST", "/api/v1/arenas/"+arena.Address.String()+"/trading-accounts", &owner, nil)
	expectStatus(t, w, http.StatusCreated)
	var ta model.TradingAccountForArena
	decodeBody(t, w, &ta)
	return owner, arena, ta
}

type positionResponse struct {
	Position       *model.OpenPositionAccount   `json:"position"`
	TradingAccount model.TradingAccountForArena `json:"trading_account"`
	Closed         bool                         `json:"closed"`
}

// --- Profile tests ---

func TestCreateProfile(t *testing.T) {
	env := newTestEnv(t)
	owner := solana.NewWallet().PublicKey()

	w := env.do(t, "POST", "/api/v1/profiles", &owner, trade.CreateProfileRequest{Name: "Alice"})
	expectStatus(t, w, http.StatusCreated)

	w = env.do(t, "GET", "/api/v1/profiles/"+owner.String(), nil, nil)
	expectStatus(t, w, http.StatusOK)
	var profile model.UserProfile
	decodeBody(t, w, &profile)
	if profile.Name != "Alice" {
		t.Errorf("expected name Alice, got %q", profile.Name)
	}
	if !profile.Owner.Equals(owner) {
		t.Errorf("expected owner %s, got %s", owner, profile.Owner)
	}
}

func TestCreateProfile_MissingSigner(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/profiles", nil, trade.CreateProfileRequest{Name: "Alice"})
	expectError(t, w, http.StatusUnauthorized, "MissingSigner")
}

func TestCreateProfile_NameTooLong(t *testing.T) {
	env := newTestEnv(t)
	owner := solana.NewWallet().PublicKey()
	w := env.do(t, "POST", "/api/v1/profiles", &owner, trade.CreateProfileRequest{Name: "Bartholomew"})
	expectError(t, w, http.StatusBadRequest, "NameTooLong")
}

func TestCreateProfile_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	owner := solana.NewWallet().PublicKey()
	expectStatus(t, env.do(t, "POST", "/api/v1/profiles", &owner, trade.CreateProfileRequest{Name: "Alice"}), http.StatusCreated)

	w := env.do(t, "POST", "/api/v1/profiles", &owner, trade.CreateProfileRequest{Name: "Alice"})
	expectError(t, w, http.StatusConflict, "AlreadyExists")
}

func TestCreateProfile_EmptyName(t *testing.T) {
	env := newTestEnv(t)
	owner := solana.NewWallet().PublicKey()
	w := env.do(t, "POST", "/api/v1/profiles", &owner, trade.CreateProfileRequest{})
	expectError(t, w, http.StatusBadRequest, "InvalidRequest")
}

func TestGetProfile_InvalidAddress(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/profiles/not-a-key", nil, nil)
	expectError(t, w, http.StatusBadRequest, "InvalidAddress")
}

func TestGetProfile_NotFound(t *testing.T) {
	env := newTestEnv(t)
	owner := solana.NewWallet().PublicKey()
	w := env.do(t, "GET", "/api/v1/profiles/"+owner.String(), nil, nil)
	expectError(t, w, http.StatusNotFound, "UnknownUser")
}

// --- Arena tests ---

func TestCreateArena_WithoutProfile(t *testing.T) {
	env := newTestEnv(t)
	owner := solana.NewWallet().PublicKey()
	w := env.do(t, "POST", "/api/v1/arenas", &owner, trade.CreateArenaRequest{Name: "cup"})
	expectError(t, w, http.StatusNotFound, "UnknownUser")
}

func TestCreateArena_InvalidSchedule(t *testing.T) {
	env := newTestEnv(t)
	owner := solana.NewWallet().PublicKey()
	expectStatus(t, env.do(t, "POST", "/api/v1/profiles", &owner, trade.CreateProfileRequest{Name: "Alice"}), http.StatusCreated)

	w := env.do(t, "POST", "/api/v1/arenas", &owner, trade.CreateArenaRequest{StartsAt: 200, ExpiresAt: 100})
	expectError(t, w, http.StatusBadRequest, "InvalidSchedule")
}

func TestListArenasByCreator(t *testing.T) {
	env := newTestEnv(t)
	owner, arena, _ := env.onboard(t, "Alice")

	w := env.do(t, "GET", "/api/v1/profiles/"+owner.String()+"/arenas", nil, nil)
	expectStatus(t, w, http.StatusOK)
	var arenas []model.ArenaAccount
	decodeBody(t, w, &arenas)
	if len(arenas) != 1 || !arenas[0].Address.Equals(arena.Address) {
		t.Fatalf("expected the one arena %s, got %+v", arena.Address, arenas)
	}
	if arenas[0].TotalTraders != 1 {
		t.Errorf("expected 1 trader, got %d", arenas[0].TotalTraders)
	}
}

func TestCreateTradingAccount_Twice(t *testing.T) {
	env := newTestEnv(t)
	owner, arena, _ := env.onboard(t, "Alice")
	w := env.do(t, "POST", "/api/v1/arenas/"+arena.Address.String()+"/trading-accounts", &owner, nil)
	expectError(t, w, http.StatusConflict, "AlreadyExists")
}

// --- Position tests ---

func TestPositionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	owner, arena, ta := env.onboard(t, "Alice")
	arenaPath := "/api/v1/arenas/" + arena.Address.String()

	w := env.do(t, "POST", arenaPath+"/positions", &owner, map[string]string{"asset": "BTC", "quantity": "2"})
	expectStatus(t, w, http.StatusCreated)
	var opened positionResponse
	decodeBody(t, w, &opened)
	if opened.Position == nil || opened.Position.QuantityRaw != 2_000_000 {
		t.Fatalf("expected 2 BTC position, got %+v", opened.Position)
	}
	if got := opened.TradingAccount.MicroUSDCBalance; got != 998_000_000_000 {
		t.Errorf("expected balance 998000000000, got %d", got)
	}
	posPath := "/api/v1/positions/" + opened.Position.Address.String()

	w = env.do(t, "PATCH", posPath, &owner, map[string]string{"delta_quantity": "-0.5"})
	expectStatus(t, w, http.StatusOK)
	var updated positionResponse
	decodeBody(t, w, &updated)
	if updated.Position.QuantityRaw != 1_500_000 {
		t.Errorf("expected 1.5 BTC, got raw %d", updated.Position.QuantityRaw)
	}

	w = env.do(t, "GET", "/api/v1/trading-accounts/"+ta.Address.String()+"/positions", nil, nil)
	expectStatus(t, w, http.StatusOK)
	var positions []model.OpenPositionAccount
	decodeBody(t, w, &positions)
	if len(positions) != 1 {
		t.Fatalf("expected 1 open position, got %d", len(positions))
	}

	w = env.do(t, "DELETE", posPath, &owner, nil)
	expectStatus(t, w, http.StatusOK)
	var closed positionResponse
	decodeBody(t, w, &closed)
	if !closed.Closed {
		t.Error("expected closed position")
	}
	if closed.TradingAccount.MicroUSDCBalance != 1_000_000_000_000 {
		t.Errorf("expected seed balance restored, got %d", closed.TradingAccount.MicroUSDCBalance)
	}

	expectError(t, env.do(t, "GET", posPath, nil, nil), http.StatusNotFound, "UnknownPosition")
}

func TestOpenPosition_Errors(t *testing.T) {
	env := newTestEnv(t)
	owner, arena, _ := env.onboard(t, "Alice")
	path := "/api/v1/arenas/" + arena.Address.String() + "/positions"

	tests := []struct {
		name   string
		body   map[string]string
		status int
		code   string
	}{
		{"negative quantity", map[string]string{"asset": "BTC", "quantity": "-1"}, http.StatusBadRequest, "ShortingUnsupported"},
		{"long asset", map[string]string{"asset": "BITCOINCASH", "quantity": "1"}, http.StatusBadRequest, "AssetNameTooLong"},
		{"unpriced asset", map[string]string{"asset": "DOGE", "quantity": "1"}, http.StatusServiceUnavailable, "PriceUnavailable"},
		{"too expensive", map[string]string{"asset": "BTC", "quantity": "1000000"}, http.StatusUnprocessableEntity, "InsufficientFunds"},
		{"missing asset", map[string]string{"quantity": "1"}, http.StatusBadRequest, "InvalidRequest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, env.do(t, "POST", path, &owner, tt.body), tt.status, tt.code)
		})
	}
}

func TestUpdatePosition_Oversell(t *testing.T) {
	env := newTestEnv(t)
	owner, arena, _ := env.onboard(t, "Alice")

	w := env.do(t, "POST", "/api/v1/arenas/"+arena.Address.String()+"/positions", &owner, map[string]string{"asset": "BTC", "quantity": "1"})
	expectStatus(t, w, http.StatusCreated)
	var opened positionResponse
	decodeBody(t, w, &opened)

	w = env.do(t, "PATCH", "/api/v1/positions/"+opened.Position.Address.String(), &owner, map[string]string{"delta_quantity": "-2"})
	expectError(t, w, http.StatusUnprocessableEntity, "InvalidResultingQuantity")
}

func TestClosePosition_WrongOwner(t *testing.T) {
	env := newTestEnv(t)
	owner, arena, _ := env.onboard(t, "Alice")
	intruder := solana.NewWallet().PublicKey()

	w := env.do(t, "POST", "/api/v1/arenas/"+arena.Address.String()+"/positions", &owner, map[string]string{"asset": "BTC", "quantity": "1"})
	expectStatus(t, w, http.StatusCreated)
	var opened positionResponse
	decodeBody(t, w, &opened)

	w = env.do(t, "DELETE", "/api/v1/positions/"+opened.Position.Address.String(), &intruder, nil)
	expectError(t, w, http.StatusForbidden, "Unauthorized")
}

func TestCloseAllPositions(t *testing.T) {
	env := newTestEnv(t)
	owner, arena, ta := env.onboard(t, "Alice")
	path := "/api/v1/arenas/" + arena.Address.String() + "/positions"

	for _, q := range []string{"1", "0.25"} {
		expectStatus(t, env.do(t, "POST", path, &owner, map[string]string{"asset": "BTC", "quantity": q}), http.StatusCreated)
	}

	w := env.do(t, "DELETE", path, &owner, nil)
	expectStatus(t, w, http.StatusOK)
	var results []trade.BulkResult
	decodeBody(t, w, &results)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, res := range results {
		if !res.OK {
			t.Errorf("close %s failed: %s", res.Address, res.Error)
		}
	}

	w = env.do(t, "GET", "/api/v1/arenas/"+arena.Address.String()+"/trading-accounts/"+owner.String(), nil, nil)
	expectStatus(t, w, http.StatusOK)
	var after model.TradingAccountForArena
	decodeBody(t, w, &after)
	if !after.Address.Equals(ta.Address) || after.MicroUSDCBalance != 1_000_000_000_000 {
		t.Errorf("expected restored balance on %s, got %+v", ta.Address, after)
	}
}

// --- Trade record and leaderboard tests ---

func TestTradeInArena(t *testing.T) {
	env := newTestEnv(t)
	owner, arena, ta := env.onboard(t, "Alice")

	w := env.do(t, "POST", "/api/v1/arenas/"+arena.Address.String()+"/trades", &owner, nil)
	expectStatus(t, w, http.StatusCreated)
	var rec model.TradeAccount
	decodeBody(t, w, &rec)
	if rec.Sequence != 0 || !rec.TradingAccount.Equals(ta.Address) {
		t.Errorf("unexpected trade record %+v", rec)
	}
	if rec.CreatedAt != epoch.Unix() {
		t.Errorf("expected created_at %d, got %d", epoch.Unix(), rec.CreatedAt)
	}
}

func TestLeaderboard(t *testing.T) {
	env := newTestEnv(t)
	_, arena, _ := env.onboard(t, "Alice")

	w := env.do(t, "GET", "/api/v1/arenas/"+arena.Address.String()+"/leaderboard", nil, nil)
	expectStatus(t, w, http.StatusOK)
	var board []ledger.Standing
	decodeBody(t, w, &board)
	if len(board) != 1 || board[0].Rank != 1 {
		t.Fatalf("expected single ranked standing, got %+v", board)
	}
}

// --- Delegation tests ---

func TestDelegationRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	owner, _, ta := env.onboard(t, "Alice")
	acctPath := "/api/v1/accounts/" + ta.Address.String()

	w := env.do(t, "POST", acctPath+"/delegate", &owner, nil)
	expectStatus(t, w, http.StatusOK)
	var status trade.DelegationResponse
	decodeBody(t, w, &status)
	if !status.Delegated || status.Status != delegation.StatusDelegated.String() {
		t.Fatalf("expected delegated, got %+v", status)
	}

	w = env.do(t, "POST", acctPath+"/commit", &owner, nil)
	expectStatus(t, w, http.StatusOK)

	w = env.do(t, "POST", acctPath+"/undelegate", &owner, nil)
	expectStatus(t, w, http.StatusOK)

	w = env.do(t, "GET", acctPath+"/delegation", nil, nil)
	expectStatus(t, w, http.StatusOK)
	decodeBody(t, w, &status)
	if status.Delegated || status.Status != delegation.StatusBase.String() {
		t.Errorf("expected base, got %+v", status)
	}
}

func TestDelegate_Rejections(t *testing.T) {
	env := newTestEnv(t)
	owner, arena, ta := env.onboard(t, "Alice")
	intruder := solana.NewWallet().PublicKey()

	w := env.do(t, "POST", "/api/v1/accounts/"+ta.Address.String()+"/delegate", &intruder, nil)
	expectError(t, w, http.StatusForbidden, "Unauthorized")

	w = env.do(t, "POST", "/api/v1/accounts/"+arena.Address.String()+"/delegate", &owner, nil)
	expectError(t, w, http.StatusUnprocessableEntity, "NotDelegatable")
}

func TestDelegateAll(t *testing.T) {
	env := newTestEnv(t)
	owner, arena, ta := env.onboard(t, "Alice")
	arenaPath := "/api/v1/arenas/" + arena.Address.String()
	expectStatus(t, env.do(t, "POST", arenaPath+"/positions", &owner, map[string]string{"asset": "BTC", "quantity": "1"}), http.StatusCreated)

	w := env.do(t, "POST", arenaPath+"/delegate-all", &owner, nil)
	expectStatus(t, w, http.StatusOK)
	var results []trade.BulkResult
	decodeBody(t, w, &results)
	if len(results) != 2 {
		t.Fatalf("expected trading account and position, got %d results", len(results))
	}
	for _, res := range results {
		if !res.OK {
			t.Errorf("delegate %s: %s", res.Address, res.Error)
		}
	}
	if !env.engine.IsDelegated(t.Context(), ta.Address) {
		t.Error("expected trading account delegated")
	}

	w = env.do(t, "POST", arenaPath+"/undelegate-all", &owner, nil)
	expectStatus(t, w, http.StatusOK)
	if env.engine.IsDelegated(t.Context(), ta.Address) {
		t.Error("expected trading account back on base")
	}
}

// --- Admin ---

func TestInitializeAdminConfig(t *testing.T) {
	env := newTestEnv(t)
	admin := solana.NewWallet().PublicKey()

	expectStatus(t, env.do(t, "POST", "/api/v1/admin/config", &admin, nil), http.StatusCreated)
	expectError(t, env.do(t, "POST", "/api/v1/admin/config", &admin, nil), http.StatusConflict, "AlreadyExists")
}
