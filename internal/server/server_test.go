package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"backtest-lab/internal/auth"
	"backtest-lab/internal/broadcast"
	"backtest-lab/internal/coordinator"
	"backtest-lab/internal/domain"
	"backtest-lab/internal/engine"
	"backtest-lab/internal/query"
	"backtest-lab/internal/registry"
	"backtest-lab/internal/sessionlog"
	"backtest-lab/internal/storage/memory"
)

const testPassword = "secret"

type testServer struct {
	ts       *httptest.Server
	sessions *memory.SessionStore
	candles  *memory.CandleStore
	coord    *coordinator.Coordinator
	hub      *broadcast.Hub
	token    string
}

func newTestServer(t *testing.T, eng engine.Engine) *testServer {
	t.Helper()

	sessions := memory.NewSessionStore()
	candles := memory.NewCandleStore()
	reg := registry.New(sessions)
	hub := broadcast.NewHub()
	logs, err := sessionlog.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("log manager: %v", err)
	}
	coord := coordinator.New(coordinator.Options{
		Registry: reg,
		Sessions: sessions,
		Candles:  candles,
		Engine:   eng,
		Hub:      hub,
		Logs:     logs,
	})
	srv := New(Options{
		Registry:    reg,
		Coordinator: coord,
		Query:       query.New(sessions, candles, reg),
		Hub:         hub,
		Auth:        auth.New(testPassword),
		Logs:        logs,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(hub.Close)

	f := &testServer{ts: ts, sessions: sessions, candles: candles, coord: coord, hub: hub}
	f.token = f.login(t)
	return f
}

func (f *testServer) login(t *testing.T) string {
	t.Helper()
	_, body := f.post(t, "/auth", "", map[string]any{"password": testPassword})
	token, _ := body["auth_token"].(string)
	if token == "" {
		t.Fatalf("no auth token in %v", body)
	}
	return token
}

func (f *testServer) post(t *testing.T, path, token string, payload any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			t.Fatalf("decode response %q: %v", data, err)
		}
	}
	return resp, body
}

func submission(id string) map[string]any {
	return map[string]any{
		"id":               id,
		"title":            "api test",
		"starting_balance": 10000,
		"fee":              0.001,
		"routes": []map[string]string{
			{"exchange": "Binance", "symbol": "BTC-USDT", "timeframe": "1h", "strategy": "TrendFollow"},
		},
		"start_date":  "2024-01-01",
		"finish_date": "2024-02-01",
	}
}

func quickEngine() engine.Engine {
	return &engine.Scripted{Steps: []engine.Step{
		{Batch: engine.Batch{
			Trades: []domain.Trade{{
				EntryTime: 1000, ExitTime: 2000,
				EntryPrice: decimal.NewFromInt(100), ExitPrice: decimal.NewFromInt(110),
				Qty: decimal.NewFromInt(1), PNL: decimal.NewFromInt(10),
				Side: domain.SideBuy,
			}},
			Equity: []domain.EquityPoint{{Timestamp: 2000, Balance: decimal.NewFromInt(10010)}},
		}},
	}}
}

func TestAuth_WrongPassword(t *testing.T) {
	f := newTestServer(t, &engine.Scripted{})
	resp, _ := f.post(t, "/auth", "", map[string]any{"password": "nope"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuth_RequiredOnAPI(t *testing.T) {
	f := newTestServer(t, &engine.Scripted{})
	resp, _ := f.post(t, "/backtest/sessions", "", map[string]any{"limit": 10})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	resp, _ = f.post(t, "/backtest/sessions", "bogus-token", map[string]any{"limit": 10})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus token status = %d, want 401", resp.StatusCode)
	}
}

func TestSubmit_RunsToFinished(t *testing.T) {
	f := newTestServer(t, quickEngine())

	resp, body := f.post(t, "/backtest", f.token, submission("s1"))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (%v)", resp.StatusCode, body)
	}
	if body["id"] != "s1" || body["status"] != "queued" {
		t.Errorf("body = %v", body)
	}
	f.coord.Wait()

	resp, body = f.post(t, "/backtest/sessions/s1", f.token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	sess, _ := body["session"].(map[string]any)
	if sess == nil {
		t.Fatalf("no session in %v", body)
	}
	if sess["status"] != "finished" {
		t.Errorf("session status = %v, want finished", sess["status"])
	}
	if trades, _ := sess["trades"].([]any); len(trades) != 1 {
		t.Errorf("trades = %v", sess["trades"])
	}
	equity, _ := sess["equity_curve"].([]any)
	if len(equity) != 1 {
		t.Errorf("equity_curve = %v", sess["equity_curve"])
	}
	if sess["has_chart_data"] != false {
		t.Errorf("has_chart_data = %v, want false before assembly", sess["has_chart_data"])
	}
}

func TestSubmit_DuplicateConflicts(t *testing.T) {
	f := newTestServer(t, quickEngine())
	f.post(t, "/backtest", f.token, submission("s1"))

	resp, _ := f.post(t, "/backtest", f.token, submission("s1"))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	f.coord.Wait()
}

func TestSubmit_Validation(t *testing.T) {
	f := newTestServer(t, quickEngine())
	bad := submission("s1")
	bad["routes"] = []map[string]string{}
	resp, body := f.post(t, "/backtest", f.token, bad)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if body["error"] == "" {
		t.Error("no error message")
	}
}

func TestSubmit_GeneratedID(t *testing.T) {
	f := newTestServer(t, quickEngine())
	payload := submission("")
	delete(payload, "id")
	resp, body := f.post(t, "/backtest", f.token, payload)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if id, _ := body["id"].(string); id == "" {
		t.Error("no generated id in response")
	}
	f.coord.Wait()
}

func TestCancel_Idempotent(t *testing.T) {
	f := newTestServer(t, quickEngine())
	f.post(t, "/backtest", f.token, submission("s1"))
	f.coord.Wait()

	// session is terminal now; both calls still return 200
	for i := 0; i < 2; i++ {
		resp, body := f.post(t, "/backtest/cancel", f.token, map[string]any{"id": "s1"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("call %d status = %d, want 200", i, resp.StatusCode)
		}
		if body["cancelled"] != false {
			t.Errorf("call %d cancelled = %v, want false for terminal session", i, body["cancelled"])
		}
	}
}

func TestList_PaginationAndCount(t *testing.T) {
	f := newTestServer(t, quickEngine())
	for i := 0; i < 3; i++ {
		f.post(t, "/backtest", f.token, submission(fmt.Sprintf("s%d", i)))
	}
	f.coord.Wait()

	resp, body := f.post(t, "/backtest/sessions", f.token, map[string]any{"limit": 2, "offset": 0})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	sessions, _ := body["sessions"].([]any)
	if len(sessions) != 2 {
		t.Errorf("page size = %d, want 2", len(sessions))
	}
	if count, _ := body["count"].(float64); count != 3 {
		t.Errorf("count = %v, want 3", body["count"])
	}
}

func TestChartData_StatusMapping(t *testing.T) {
	f := newTestServer(t, quickEngine())

	// unknown id
	resp, _ := f.post(t, "/backtest/sessions/nope/chart-data", f.token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want 404", resp.StatusCode)
	}

	// still running
	f.sessions.Insert(context.Background(), &domain.Session{ID: "live", Status: domain.StatusRunning})
	resp, _ = f.post(t, "/backtest/sessions/live/chart-data", f.token, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("running status = %d, want 409", resp.StatusCode)
	}

	// finished
	f.post(t, "/backtest", f.token, submission("s1"))
	f.coord.Wait()
	resp, body := f.post(t, "/backtest/sessions/s1/chart-data", f.token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("finished status = %d, want 200", resp.StatusCode)
	}
	cd, _ := body["chart_data"].(map[string]any)
	if cd == nil {
		t.Fatalf("no chart_data in %v", body)
	}
	if orders, _ := cd["orders_chart"].([]any); len(orders) != 2 {
		t.Errorf("orders_chart = %v", cd["orders_chart"])
	}
}

func TestGet_OmitsChartDataBlob(t *testing.T) {
	f := newTestServer(t, quickEngine())
	f.post(t, "/backtest", f.token, submission("s1"))
	f.coord.Wait()

	// assemble and cache the chart payload
	if resp, _ := f.post(t, "/backtest/sessions/s1/chart-data", f.token, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("chart-data status = %d", resp.StatusCode)
	}

	_, body := f.post(t, "/backtest/sessions/s1", f.token, nil)
	sess, _ := body["session"].(map[string]any)
	if sess == nil {
		t.Fatalf("no session in %v", body)
	}
	if sess["has_chart_data"] != true {
		t.Errorf("has_chart_data = %v, want true after assembly", sess["has_chart_data"])
	}
	if _, present := sess["chart_data"]; present {
		t.Error("single-session response carries the chart_data blob")
	}
}

func TestLogs_StreamedWithQueryToken(t *testing.T) {
	f := newTestServer(t, quickEngine())
	f.post(t, "/backtest", f.token, submission("s1"))
	f.coord.Wait()

	resp, err := f.ts.Client().Get(f.ts.URL + "/backtest/logs/s1?token=" + f.token)
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), "session s1 started") {
		t.Errorf("log stream = %q", data)
	}
	if !strings.Contains(string(data), "session finished") {
		t.Errorf("log stream missing terminal line: %q", data)
	}
}

func TestLogs_RejectsBadToken(t *testing.T) {
	f := newTestServer(t, quickEngine())
	resp, err := f.ts.Client().Get(f.ts.URL + "/backtest/logs/s1?token=bogus")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHealth_NoAuth(t *testing.T) {
	f := newTestServer(t, &engine.Scripted{})
	resp, err := f.ts.Client().Get(f.ts.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
