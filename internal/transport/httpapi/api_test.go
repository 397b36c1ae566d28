package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"radicalpixels.io/internal/protocol"
	"radicalpixels.io/internal/sim/grid"
	"radicalpixels.io/internal/sim/registry"
)

func startAPI(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	hs := httptest.NewServer(newAPI(t, cfg).Router())
	t.Cleanup(hs.Close)
	return hs
}

func newAPI(t *testing.T, cfg Config) *API {
	t.Helper()
	reg, err := registry.New(registry.Config{
		ID:           "test",
		Bounds:       grid.Bounds{XMax: 10, YMax: 10},
		TaxRateBps:   2000,
		TaxCollector: "treasury",
		Clock:        func() int64 { return 1_700_000_000 },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = reg.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	api, err := New(reg, nil, cfg, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	return api
}

func post(t *testing.T, hs *httptest.Server, cmd protocol.Command) (int, protocol.ResultMsg) {
	t.Helper()
	body, err := json.Marshal(protocol.CmdMsg{Type: protocol.TypeCmd, ProtocolVersion: protocol.Version, Command: cmd})
	require.NoError(t, err)
	resp, err := http.Post(hs.URL+"/v1/commands", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var res protocol.ResultMsg
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return resp.StatusCode, res
}

func get(t *testing.T, hs *httptest.Server, path string) (int, protocol.ResultMsg) {
	t.Helper()
	resp, err := http.Get(hs.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var res protocol.ResultMsg
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return resp.StatusCode, res
}

func TestAPI_CommandsAndReads(t *testing.T) {
	hs := startAPI(t, Config{RegistryID: "test"})

	status, res := post(t, hs, protocol.Command{RequestID: "d1", Op: protocol.OpDeposit, Actor: "alice", Amount: 100})
	require.Equal(t, http.StatusOK, status)
	require.True(t, res.OK)
	require.Equal(t, uint64(1), res.Seq)

	status, res = post(t, hs, protocol.Command{Op: protocol.OpBuyUnowned, Actor: "alice", Cells: []protocol.CellArg{{X: 2, Y: 3, Price: 40}}})
	require.Equal(t, http.StatusOK, status, res.Message)

	status, res = get(t, hs, "/v1/cells/2/3")
	require.Equal(t, http.StatusOK, status)
	var cell grid.Cell
	require.NoError(t, json.Unmarshal(res.Data, &cell))
	require.Equal(t, "alice", string(cell.Owner))
	require.Equal(t, uint64(40), uint64(cell.Price))

	_, res = get(t, hs, "/v1/actors/alice")
	var bal registry.BalanceView
	require.NoError(t, json.Unmarshal(res.Data, &bal))
	require.Equal(t, uint64(60), uint64(bal.Held))
	require.Len(t, bal.Cells, 1)

	_, res = get(t, hs, "/v1/auctions/2/3")
	var av registry.AuctionView
	require.NoError(t, json.Unmarshal(res.Data, &av))
	require.False(t, av.Found)
}

func TestAPI_RuleFailureIsConflict(t *testing.T) {
	hs := startAPI(t, Config{})

	status, res := post(t, hs, protocol.Command{Op: protocol.OpWithdraw, Actor: "bob", Amount: 1})
	require.Equal(t, http.StatusConflict, status)
	require.False(t, res.OK)
	require.Equal(t, protocol.ErrInsufficientBalance, res.Code)
	require.Equal(t, uint64(1), res.Seq)

	status, res = get(t, hs, "/v1/cells/10/0")
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, protocol.ErrOutOfBounds, res.Code)

	status, _ = get(t, hs, "/v1/cells/-1/0")
	require.Equal(t, http.StatusBadRequest, status)
}

func TestAPI_RemoteMutatingCommandForbidden(t *testing.T) {
	router := newAPI(t, Config{}).Router()
	do := func(cmd protocol.Command, remote string) (int, protocol.ResultMsg) {
		body, err := json.Marshal(protocol.CmdMsg{Type: protocol.TypeCmd, ProtocolVersion: protocol.Version, Command: cmd})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/v1/commands", bytes.NewReader(body))
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		var res protocol.ResultMsg
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
		return rec.Code, res
	}

	status, res := do(protocol.Command{RequestID: "w1", Op: protocol.OpWithdraw, Actor: "alice", Amount: 1}, "203.0.113.7:4000")
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, protocol.ErrForbidden, res.Code)
	require.Equal(t, "w1", res.RequestID)
	require.Zero(t, res.Seq, "rejected before sequencing")

	status, res = do(protocol.Command{Op: protocol.OpBalance, Actor: "alice"}, "203.0.113.7:4000")
	require.Equal(t, http.StatusOK, status, res.Message)

	status, res = do(protocol.Command{Op: protocol.OpDeposit, Actor: "alice", Amount: 3}, "[::1]:4000")
	require.Equal(t, http.StatusOK, status, res.Message)
	require.Equal(t, uint64(1), res.Seq)
}

func TestAPI_SchemaAndRateLimit(t *testing.T) {
	hs := startAPI(t, Config{CommandsPerSecond: 0.001, Burst: 1})

	resp, err := http.Post(hs.URL+"/v1/commands", "application/json", strings.NewReader(`{"type":"CMD","protocol_version":"1.0","command":{"op":"STEAL"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	status, res := post(t, hs, protocol.Command{Op: protocol.OpDeposit, Actor: "alice", Amount: 1})
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, protocol.ErrRateLimit, res.Code)
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	hs := startAPI(t, Config{RegistryID: "test"})
	_, _ = post(t, hs, protocol.Command{Op: protocol.OpDeposit, Actor: "alice", Amount: 5})

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get(hs.URL + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return strings.Contains(body, `radicalpixels_receipts_total{registry="test"} 1`)
	}, 2*time.Second, 10*time.Millisecond, body)
	require.Contains(t, body, `radicalpixels_total_supply{registry="test"} 5`)

	resp, err := http.Get(hs.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	require.Equal(t, http.StatusOK, StatusFor(""))
	require.Equal(t, http.StatusConflict, StatusFor(protocol.ErrBidTooLow))
	require.Equal(t, http.StatusServiceUnavailable, StatusFor(protocol.ErrBusy))
	require.Equal(t, http.StatusForbidden, StatusFor(protocol.ErrForbidden))
}
