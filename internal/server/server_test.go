package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"shiftplan/internal/app"
	"shiftplan/internal/catalog"
	"shiftplan/internal/db"
	"shiftplan/internal/engine"
	"shiftplan/internal/forecast"
	"shiftplan/internal/migrate"
	"shiftplan/internal/repo"
)

const testSector = "sector-1"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	_, cfg, err := app.ResolveSectorAndConfig(ctx, workspace, testSector, repo.Repo{DB: conn})
	if err != nil {
		t.Fatalf("bootstrap sector: %v", err)
	}
	e := engine.New(conn, cfg)

	reg := forecast.Registry{DB: conn, Now: func() time.Time {
		return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	}}
	if _, err := reg.Import(ctx, catalog.Catalog{DB: conn}, forecast.ImportFile{
		Sector: testSector,
		Runs: []forecast.ImportRun{{
			ID:           "run-1",
			RunDate:      "2024-05-31",
			HorizonStart: "2024-06-03",
			HorizonEnd:   "2024-06-09",
			Entries: []forecast.ImportEntry{
				{Date: "2024-06-03", Activity: "turndown", Quantity: 10, WorkloadMinutes: 30},
				{Date: "2024-06-04", Activity: "checkout_clean", Quantity: 4, WorkloadMinutes: 45},
			},
		}},
	}); err != nil {
		t.Fatalf("seed runs: %v", err)
	}

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "planner")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestWeekLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sectors/"+testSector+"/weeks", map[string]any{
		"forecast_run_id": "run-1",
		"week_start":      "2024-06-03",
		"mode":            "auto",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("generate status %d: %s", res.StatusCode, string(data))
	}
	var week WeekResponse
	if err := json.Unmarshal(data, &week); err != nil {
		t.Fatalf("unmarshal week: %v", err)
	}
	if week.Status != "draft" {
		t.Fatalf("status = %q, want draft", week.Status)
	}
	if len(week.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(week.Items))
	}

	// duplicate generation conflicts
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sectors/"+testSector+"/weeks", map[string]any{
		"forecast_run_id": "run-1",
		"week_start":      "2024-06-03",
		"mode":            "auto",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/weeks/"+week.ID+"/items", map[string]any{
		"activity_id": week.Items[0].ActivityID,
		"date":        "2024-06-05",
		"quantity":    2,
		"notes":       "late checkout block",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add item status %d: %s", res.StatusCode, string(data))
	}
	var item ItemResponse
	if err := json.Unmarshal(data, &item); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	if item.Source != "manual" {
		t.Fatalf("source = %q, want manual", item.Source)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/weeks/"+week.ID+"/approve", nil, map[string]string{"X-Actor-Id": "manager"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var approved WeekResponse
	_ = json.Unmarshal(data, &approved)
	if approved.Status != "approved" || approved.UpdatedBy != "manager" {
		t.Fatalf("approved = %s/%s", approved.Status, approved.UpdatedBy)
	}

	// second approval reports the conflict
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/weeks/"+week.ID+"/approve", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("re-approve status %d: %s", res.StatusCode, string(data))
	}
	var envlp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envlp)
	if envlp.Error.Code != "invalid_transition" {
		t.Fatalf("code = %q, want invalid_transition (%s)", envlp.Error.Code, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/weeks/"+week.ID+"/lock", nil, map[string]string{"X-Actor-Id": "manager"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lock status %d: %s", res.StatusCode, string(data))
	}

	// locked weeks refuse edits
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/weeks/"+week.ID+"/items", map[string]any{
		"activity_id": week.Items[0].ActivityID,
		"date":        "2024-06-06",
		"quantity":    1,
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("add to locked status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/items/"+item.ID, nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("remove from locked status %d: %s", res.StatusCode, string(data))
	}
}

func TestWeekLookup(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet,
		srv.URL+"/v0/sectors/"+testSector+"/weeks/lookup?forecast_run_id=run-1&week_start=2024-06-03", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("lookup before generate status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sectors/"+testSector+"/weeks", map[string]any{
		"forecast_run_id": "run-1",
		"week_start":      "2024-06-03",
		"mode":            "manual",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("generate status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet,
		srv.URL+"/v0/sectors/"+testSector+"/weeks/lookup?forecast_run_id=run-1&week_start=2024-06-03", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lookup status %d: %s", res.StatusCode, string(data))
	}
	var week WeekResponse
	if err := json.Unmarshal(data, &week); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if week.ForecastRunID != "run-1" || week.WeekStart != "2024-06-03" {
		t.Fatalf("lookup returned %s/%s", week.ForecastRunID, week.WeekStart)
	}
}

func TestAdjustmentEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sectors/"+testSector+"/adjustments", map[string]any{
		"baseline_forecast_run_id": "run-1",
		"reason":                   "",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("empty reason status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sectors/"+testSector+"/adjustments", map[string]any{
		"baseline_forecast_run_id": "run-1",
		"reason":                   "conference group added",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("adjustment status %d: %s", res.StatusCode, string(data))
	}
	var run RunResponse
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if run.RunType != "adjustment" {
		t.Fatalf("run type = %q, want adjustment", run.RunType)
	}
	if run.BaselineRunID == nil || *run.BaselineRunID != "run-1" {
		t.Fatalf("baseline = %v, want run-1", run.BaselineRunID)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sectors/"+testSector+"/runs", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list runs status %d: %s", res.StatusCode, string(data))
	}
	var runs []RunResponse
	if err := json.Unmarshal(data, &runs); err != nil {
		t.Fatalf("unmarshal runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want baseline plus adjustment", len(runs))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/sectors/"+testSector+"/weeks", nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no credentials status %d, want 401", res.StatusCode)
	}

	// health stays open
	res2, err := srv.Client().Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatal(err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("health status %d, want 200", res2.StatusCode)
	}
}

func TestOpenAPISpecConcurrent(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	const n = 8
	bodies := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/openapi.json", nil)
			if err != nil {
				errs[i] = err
				return
			}
			req.Header.Set("X-Actor-Id", "planner")
			res, err := client.Do(req)
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				errs[i] = fmt.Errorf("status %d", res.StatusCode)
				return
			}
			bodies[i], errs[i] = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if len(bodies[i]) == 0 {
			t.Fatalf("request %d: empty spec", i)
		}
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("request %d returned a different document", i)
		}
	}
}
