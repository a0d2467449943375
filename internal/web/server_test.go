package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mtzanidakis/gridflow/internal/config"
	"github.com/mtzanidakis/gridflow/internal/flow"
	"github.com/mtzanidakis/gridflow/internal/grid"
	"github.com/mtzanidakis/gridflow/internal/rules"
	"github.com/mtzanidakis/gridflow/internal/store"
	"github.com/mtzanidakis/gridflow/internal/tick"
	"github.com/mtzanidakis/gridflow/internal/work"
)

func newTestOrchestrator(t *testing.T) *tick.Orchestrator {
	t.Helper()
	sched, err := flow.New(work.NewArena(), flow.DefaultEconomics())
	if err != nil {
		t.Fatal(err)
	}
	var cells []grid.CellSpec
	for y := range 2 {
		for x := range 2 {
			cells = append(cells, grid.CellSpec{
				Coord:     grid.Coord{X: x, Y: y},
				Archetype: "sub_agent",
				Role:      "sub",
				WIPLimit:  1,
				Table:     rules.ForRole("sub", 0.8),
			})
		}
	}
	g, err := grid.New(grid.Spec{Width: 2, Height: 2, Neighborhood: grid.VonNeumann, Edges: grid.Bounded}, cells, sched)
	if err != nil {
		t.Fatalf("new grid: %v", err)
	}
	exec := tick.ExecutorFunc(func(context.Context, rules.Action, *work.Item, tick.ExecContext) (tick.Outcome, error) {
		return tick.Outcome{}, nil
	})
	o, err := tick.New(g, exec, tick.DefaultConfig())
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestServer(t *testing.T, s *store.Store, auth string) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(newTestOrchestrator(t), s, nil, config.WebConfig{Auth: auth}, "test")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func doJSON(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestGridEndpoints(t *testing.T) {
	_, ts := newTestServer(t, nil, "")

	var snap grid.Snapshot
	if code := doJSON(t, "GET", ts.URL+"/api/grid", "", &snap); code != http.StatusOK {
		t.Fatalf("grid status = %d", code)
	}
	if snap.TotalCells != 4 || snap.Width != 2 || snap.StateDistribution["IDLE"] != 4 {
		t.Errorf("snapshot = %+v", snap)
	}

	resp, err := http.Get(ts.URL + "/api/grid/ascii")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if got := strings.TrimSpace(string(body)); got != "..\n.." {
		t.Errorf("ascii = %q", got)
	}

	var queues []flow.QueueStats
	doJSON(t, "GET", ts.URL+"/api/queues", "", &queues)
	if len(queues) != 4 || queues[0].WIPLimit != 1 {
		t.Errorf("queues = %+v", queues)
	}
}

func TestSubmitAndInspect(t *testing.T) {
	_, ts := newTestServer(t, nil, "")

	var receipt struct {
		ID       string `json:"id"`
		Admitted int    `json:"admitted"`
	}
	code := doJSON(t, "POST", ts.URL+"/api/items",
		`{"kind":"work_spec","cost_of_delay":5,"job_size":2,"cell":"0,0","payload":{"brief":"x"}}`, &receipt)
	if code != http.StatusCreated || receipt.ID == "" || receipt.Admitted != 1 {
		t.Fatalf("submit = %d %+v", code, receipt)
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"at capacity", `{"kind":"work_spec","cost_of_delay":1,"job_size":1,"cell":"0,0"}`, http.StatusConflict},
		{"invalid economics", `{"kind":"work_spec","cost_of_delay":0,"job_size":1,"cell":"1,0"}`, http.StatusBadRequest},
		{"malformed", `{"kind":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e map[string]string
			if code := doJSON(t, "POST", ts.URL+"/api/items", tt.body, &e); code != tt.want {
				t.Errorf("status = %d, want %d (%v)", code, tt.want, e)
			}
		})
	}

	var items []work.Item
	doJSON(t, "GET", ts.URL+"/api/items?status=pending", "", &items)
	if len(items) != 1 || items[0].ID != receipt.ID || items[0].Queue != "cell:0,0" {
		t.Errorf("items = %+v", items)
	}
	doJSON(t, "GET", ts.URL+"/api/items?kind=artifact", "", &items)
	if len(items) != 0 {
		t.Errorf("kind filter returned %d items", len(items))
	}
	if code := doJSON(t, "GET", ts.URL+"/api/items?status=lost", "", nil); code != http.StatusBadRequest {
		t.Errorf("bad status filter = %d", code)
	}

	var it work.Item
	if code := doJSON(t, "GET", ts.URL+"/api/items/"+receipt.ID, "", &it); code != http.StatusOK || it.CostOfDelay != 5 {
		t.Errorf("get item = %d %+v", code, it)
	}
	var chain []work.Item
	if code := doJSON(t, "GET", ts.URL+"/api/items/"+receipt.ID+"/lineage", "", &chain); code != http.StatusOK || len(chain) != 1 {
		t.Errorf("lineage = %d %+v", code, chain)
	}
	if code := doJSON(t, "GET", ts.URL+"/api/items/nope", "", nil); code != http.StatusNotFound {
		t.Errorf("missing item = %d", code)
	}
	if code := doJSON(t, "GET", ts.URL+"/api/items/nope/lineage", "", nil); code != http.StatusNotFound {
		t.Errorf("missing lineage = %d", code)
	}
}

func TestRunTicks(t *testing.T) {
	srv, ts := newTestServer(t, nil, "")

	var out struct {
		Summary tick.Summary `json:"summary"`
		ASCII   string       `json:"ascii"`
	}
	if code := doJSON(t, "POST", ts.URL+"/api/ticks?n=3", "", &out); code != http.StatusOK {
		t.Fatalf("run ticks = %d", code)
	}
	if out.Summary.Ticks != 3 || out.Summary.LastTick != 3 || out.ASCII == "" {
		t.Errorf("summary = %+v", out)
	}
	if srv.orch.Grid().Tick() != 3 {
		t.Errorf("grid tick = %d", srv.orch.Grid().Tick())
	}

	for _, n := range []string{"0", "101", "x"} {
		if code := doJSON(t, "POST", ts.URL+"/api/ticks?n="+n, "", nil); code != http.StatusBadRequest {
			t.Errorf("n=%s status = %d", n, code)
		}
	}
}

func TestStoreBackedEndpoints(t *testing.T) {
	st := newTestStore(t)
	it, err := work.New("artifact", "", 2, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SaveItem(it); err != nil {
		t.Fatal(err)
	}
	_ = st.AppendEvent(&store.ItemEvent{ItemID: it.ID, To: work.StatusPending, Tick: 4})
	_ = st.RecordTick(&store.TickRecord{Tick: 4, StartedAt: time.Now(), Actions: 2})
	_ = st.RecordVerdict(&store.Verdict{ItemID: it.ID, Verdict: "APPROVE", Mean: 0.8})

	_, ts := newTestServer(t, st, "")

	var items []work.Item
	doJSON(t, "GET", ts.URL+"/api/items", "", &items)
	if len(items) != 1 || items[0].ID != it.ID {
		t.Errorf("items = %+v", items)
	}

	// Persisted but not in the arena.
	var got work.Item
	if code := doJSON(t, "GET", ts.URL+"/api/items/"+it.ID, "", &got); code != http.StatusOK || got.Kind != "artifact" {
		t.Errorf("get persisted item = %d %+v", code, got)
	}

	var events []store.ItemEvent
	doJSON(t, "GET", ts.URL+"/api/items/"+it.ID+"/events", "", &events)
	if len(events) != 1 || events[0].Tick != 4 {
		t.Errorf("events = %+v", events)
	}
	var verdicts []store.Verdict
	doJSON(t, "GET", ts.URL+"/api/items/"+it.ID+"/verdicts", "", &verdicts)
	if len(verdicts) != 1 || verdicts[0].Verdict != "APPROVE" {
		t.Errorf("verdicts = %+v", verdicts)
	}
	var ticks []store.TickRecord
	doJSON(t, "GET", ts.URL+"/api/ticks?limit=5", "", &ticks)
	if len(ticks) != 1 || ticks[0].Actions != 2 {
		t.Errorf("ticks = %+v", ticks)
	}
}

func TestAuth(t *testing.T) {
	_, ts := newTestServer(t, nil, "secret")

	if code := doJSON(t, "GET", ts.URL+"/api/grid", "", nil); code != http.StatusUnauthorized {
		t.Errorf("unauthenticated = %d", code)
	}

	req, _ := http.NewRequest("GET", ts.URL+"/api/grid", nil)
	req.SetBasicAuth("", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("basic auth = %d", resp.StatusCode)
	}

	if code := doJSON(t, "POST", ts.URL+"/api/login", `{"password":"wrong"}`, nil); code != http.StatusUnauthorized {
		t.Errorf("wrong password = %d", code)
	}

	resp, err = http.Post(ts.URL+"/api/login", "application/json", strings.NewReader(`{"password":"secret"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	var session *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName {
			session = c
		}
	}
	if session == nil {
		t.Fatal("login did not set a session cookie")
	}

	req, _ = http.NewRequest("GET", ts.URL+"/api/auth/check", nil)
	req.AddCookie(session)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("auth check with session = %d", resp.StatusCode)
	}

	req, _ = http.NewRequest("POST", ts.URL+"/api/logout", nil)
	req.AddCookie(session)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	req, _ = http.NewRequest("GET", ts.URL+"/api/status", nil)
	req.AddCookie(session)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("session after logout = %d", resp.StatusCode)
	}
}

func TestWebSocketBroadcast(t *testing.T) {
	srv, ts := newTestServer(t, nil, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.hub.Run(ctx)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	srv.Publish(NewEvent("tick_completed", map[string]int{"tick": 9}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev struct {
		Type    string         `json:"type"`
		Payload map[string]int `json:"payload"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != "tick_completed" || ev.Payload["tick"] != 9 {
		t.Errorf("event = %+v", ev)
	}
}

func TestWebSocketTypeFilter(t *testing.T) {
	srv, ts := newTestServer(t, nil, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.hub.Run(ctx)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws?types=item_"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Events are delivered in order, so the tick event must have been skipped.
	srv.Publish(NewEvent("tick_completed", map[string]int{"tick": 1}))
	srv.Publish(NewEvent("item_done", map[string]int{"tick": 2}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != "item_done" {
		t.Errorf("expected item_done first, got %s", ev.Type)
	}
}

func TestWants(t *testing.T) {
	tests := []struct {
		types []string
		typ   string
		want  bool
	}{
		{nil, "verdict", true},
		{[]string{"item_"}, "item_failed", true},
		{[]string{"item_"}, "tick_completed", false},
		{[]string{"tick", "verdict"}, "verdict", true},
	}
	for _, tt := range tests {
		if got := wants(tt.types, tt.typ); got != tt.want {
			t.Errorf("wants(%v, %q) = %v, want %v", tt.types, tt.typ, got, tt.want)
		}
	}
}
