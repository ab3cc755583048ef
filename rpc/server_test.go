package rpc

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"delever/gateway"
	"delever/ledger"
	"delever/native/delever"
)

const testSecret = "test-secret"

var (
	testEngineAddr = common.HexToAddress("0x0000000000000000000000000000000000000DE1")
	testPoolAddr   = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	testRouterAddr = common.HexToAddress("0x00000000000000000000000000000000000000A2")
	testUSD        = common.HexToAddress("0x00000000000000000000000000000000000000B1")
	testRUSD       = common.HexToAddress("0x00000000000000000000000000000000000000C1")
	testUser       = common.HexToAddress("0x00000000000000000000000000000000000000D1")
	testOperator   = common.HexToAddress("0x00000000000000000000000000000000000000D2")
)

type testEnv struct {
	srv   *httptest.Server
	state *ledger.State
	pool  *gateway.Pool
	pols  *delever.PolicyStore
	lists *delever.Whitelist
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	state := ledger.NewState()
	pool := gateway.NewPool(testPoolAddr, state, 8000, 0)
	pool.RegisterAsset(testUSD, testRUSD, big.NewRat(1, 1))
	require.NoError(t, state.Mint(testUSD, testPoolAddr, big.NewInt(10_000_000)))
	router := gateway.NewRouter(testRouterAddr, state, common.Address{})

	lists := delever.NewWhitelist()
	pols := delever.NewPolicyStore()
	engine := delever.NewEngine(testEngineAddr, lists, pols)
	engine.SetLendingGateway(pool, testPoolAddr)
	engine.SetExchangeGateway(router, testRouterAddr)
	engine.SetVault(state)
	engine.SetEnvironment(gateway.NewEnvironment(state, pool))

	server := New(Config{
		Engine:    engine,
		Whitelist: lists,
		Policies:  pols,
		JWTSecret: testSecret,
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, state: state, pool: pool, pols: pols, lists: lists}
}

func (env *testEnv) openPosition(t *testing.T) {
	t.Helper()
	require.NoError(t, env.state.Mint(testUSD, testUser, big.NewInt(22_600)))
	require.NoError(t, env.pool.Deposit(testUser, testUSD, big.NewInt(22_600)))
	require.NoError(t, env.pool.Borrow(testUser, testUSD, big.NewInt(20_000), delever.RateModeVariable))
	require.NoError(t, env.state.Approve(testRUSD, testUser, testEngineAddr, big.NewInt(22_600)))
}

func signToken(t *testing.T, subject string, role Role) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"role": string(role),
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func doRequest(t *testing.T, env *testEnv, method, path, token string, body any) *http.Response {
	t.Helper()
	var payload *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewBuffer(raw)
	} else {
		payload = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequest(method, env.srv.URL+path, payload)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp := doRequest(t, env, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWhitelistRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	resp := doRequest(t, env, http.MethodGet, "/v1/whitelist", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWhitelistAdminMutations(t *testing.T) {
	env := newTestEnv(t)
	admin := signToken(t, "admin-1", RoleAdmin)

	resp := doRequest(t, env, http.MethodPost, "/v1/whitelist/add", admin, whitelistMutation{Operator: testOperator.Hex()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.lists.Contains(testOperator))

	resp = doRequest(t, env, http.MethodPost, "/v1/whitelist/remove", admin, whitelistMutation{Operator: testOperator.Hex()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, env.lists.Contains(testOperator))
}

func TestWhitelistMutationForbiddenForOperator(t *testing.T) {
	env := newTestEnv(t)
	operator := signToken(t, testOperator.Hex(), RoleOperator)
	resp := doRequest(t, env, http.MethodPost, "/v1/whitelist/add", operator, whitelistMutation{Operator: testOperator.Hex()})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPolicySelfWriteOnly(t *testing.T) {
	env := newTestEnv(t)
	user := signToken(t, testUser.Hex(), RoleUser)

	resp := doRequest(t, env, http.MethodPost, "/v1/policy", user, policyRequest{
		User:            testUser.Hex(),
		MinHealthFactor: "1000000000000000000",
		MaxHealthFactor: "1500000000000000000",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Writing another user's policy is forbidden.
	resp = doRequest(t, env, http.MethodPost, "/v1/policy", user, policyRequest{
		User:            testOperator.Hex(),
		MinHealthFactor: "1",
		MaxHealthFactor: "2",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	policy := env.pols.Get(testUser)
	require.Equal(t, "1000000000000000000", policy.Min().String())
}

func TestPolicyInvertedRangeRejected(t *testing.T) {
	env := newTestEnv(t)
	user := signToken(t, testUser.Hex(), RoleUser)
	resp := doRequest(t, env, http.MethodPost, "/v1/policy", user, policyRequest{
		User:            testUser.Hex(),
		MinHealthFactor: "2",
		MaxHealthFactor: "1",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetPolicy(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.pols.Set(testUser, big.NewInt(100), big.NewInt(200)))
	token := signToken(t, testUser.Hex(), RoleUser)

	resp := doRequest(t, env, http.MethodGet, "/v1/policy/"+testUser.Hex(), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "100", out["minHealthFactor"])
	require.Equal(t, "200", out["maxHealthFactor"])
}

func TestRepayEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.openPosition(t)
	env.lists.Add(testOperator)
	require.NoError(t, env.pols.Set(testUser,
		big.NewInt(1_000_000_000_000_000_000),
		big.NewInt(1_500_000_000_000_000_000),
	))

	operator := signToken(t, testOperator.Hex(), RoleOperator)
	resp := doRequest(t, env, http.MethodPost, "/v1/repay", operator, repayRequest{
		User:                testUser.Hex(),
		CollateralAsset:     testUSD.Hex(),
		DebtAsset:           testUSD.Hex(),
		CollateralAmount:    "11000",
		DebtRepayAmount:     "10000",
		RateMode:            uint8(delever.RateModeVariable),
		CollateralAsReceipt: true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out repayResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.OperationID)
	require.Equal(t, "10000", out.DebtRepaid)
	require.Equal(t, "10010", out.CollateralPulled)
	require.Equal(t, "10", out.FeePaid)
	require.Equal(t, "904000000000000000", out.HealthBefore)
	require.Equal(t, "1007200000000000000", out.HealthAfter)
}

func TestRepayForbiddenForUserRole(t *testing.T) {
	env := newTestEnv(t)
	token := signToken(t, testUser.Hex(), RoleUser)
	resp := doRequest(t, env, http.MethodPost, "/v1/repay", token, repayRequest{})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRepayHealthyPositionConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.openPosition(t)
	env.lists.Add(testOperator)
	// Floor below the current 0.904 metric: the trigger must not fire.
	require.NoError(t, env.pols.Set(testUser, big.NewInt(800_000_000_000_000_000), big.NewInt(1_500_000_000_000_000_000)))

	operator := signToken(t, testOperator.Hex(), RoleOperator)
	resp := doRequest(t, env, http.MethodPost, "/v1/repay", operator, repayRequest{
		User:                testUser.Hex(),
		CollateralAsset:     testUSD.Hex(),
		DebtAsset:           testUSD.Hex(),
		CollateralAmount:    "11000",
		DebtRepayAmount:     "10000",
		RateMode:            uint8(delever.RateModeVariable),
		CollateralAsReceipt: true,
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRepayUnlistedOperatorForbidden(t *testing.T) {
	env := newTestEnv(t)
	env.openPosition(t)
	require.NoError(t, env.pols.Set(testUser, big.NewInt(1_000_000_000_000_000_000), big.NewInt(1_500_000_000_000_000_000)))

	operator := signToken(t, testOperator.Hex(), RoleOperator)
	resp := doRequest(t, env, http.MethodPost, "/v1/repay", operator, repayRequest{
		User:                testUser.Hex(),
		CollateralAsset:     testUSD.Hex(),
		DebtAsset:           testUSD.Hex(),
		CollateralAmount:    "11000",
		DebtRepayAmount:     "10000",
		RateMode:            uint8(delever.RateModeVariable),
		CollateralAsReceipt: true,
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAuthRejectsForgedToken(t *testing.T) {
	env := newTestEnv(t)
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "admin-1",
		"role": "admin",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := forged.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	resp := doRequest(t, env, http.MethodGet, "/v1/whitelist", signed, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
