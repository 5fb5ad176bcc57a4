package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T) *Server {
	d, _ := ParseDate("2019-01-01")
	corpus := BuildCorpusIndex([]ClueAnswer{
		{PublicationID: "nyt", Date: d, Answer: "COW", Clue: "Dairy animal"},
		{PublicationID: "nyt", Date: d, Answer: "TOE", Clue: "Foot digit"},
	})
	logger := testLogger()
	srv := NewServer(NewStore(), NewCorpusHolder(nil, corpus, logger), nil, DefaultAnalyzerOptions(), logger)
	t.Cleanup(srv.Close)
	return srv
}

func TestCreatePuzzleFlow(t *testing.T) {
	srv := newTestServer(t)

	// Upload and analyze.
	req := httptest.NewRequest("POST", "/api/puzzles?publication=lat&date=2020-01-02", strings.NewReader(sampleDoc))
	req.Header.Set("Content-Type", "application/xml")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("create puzzle: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var report Report
	json.NewDecoder(w.Body).Decode(&report)
	if report.PuzzleID != "lat2020-01-02" {
		t.Fatalf("unexpected puzzle ID %q", report.PuzzleID)
	}
	if report.Summary.StaleClueCount != 2 || report.Summary.TotalClueCount != 4 {
		t.Fatalf("unexpected summary: %+v", report.Summary)
	}

	// Get the puzzle back.
	req = httptest.NewRequest("GET", "/api/puzzles/lat2020-01-02", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("get puzzle: expected 200, got %d", w.Code)
	}
	var puzzle Puzzle
	json.NewDecoder(w.Body).Decode(&puzzle)
	if puzzle.Rows != 3 || len(puzzle.Clues) != 4 || puzzle.Clues[2].Direction != Down {
		t.Fatalf("unexpected puzzle: %+v", puzzle)
	}

	// And its report.
	req = httptest.NewRequest("GET", "/api/puzzles/lat2020-01-02/report", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("get report: expected 200, got %d", w.Code)
	}

	// List.
	req = httptest.NewRequest("GET", "/api/puzzles", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	var list []Puzzle
	json.NewDecoder(w.Body).Decode(&list)
	if len(list) != 1 {
		t.Fatalf("expected 1 puzzle, got %d", len(list))
	}
}

func TestCreatePuzzleValidation(t *testing.T) {
	srv := newTestServer(t)

	cases := []struct {
		name  string
		query string
		body  string
		code  int
	}{
		{"missing publication", "?date=2020-01-02", sampleDoc, http.StatusBadRequest},
		{"bad date", "?publication=lat&date=01/02/2020", sampleDoc, http.StatusBadRequest},
		{"empty body", "?publication=lat", "", http.StatusUnprocessableEntity},
		{"not a puzzle", "?publication=lat", "<html/>", http.StatusUnprocessableEntity},
		{"undefined word", "?publication=lat", strings.Replace(sampleDoc, `<clue word="4"`, `<clue word="9"`, 1), http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("POST", "/api/puzzles"+tc.query, strings.NewReader(tc.body))
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)

		if w.Code != tc.code {
			t.Errorf("%s: expected %d, got %d: %s", tc.name, tc.code, w.Code, w.Body.String())
		}
	}
}

func TestCreatePuzzleFromImageWithoutGemini(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/puzzles/image?publication=lat", strings.NewReader(""))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestUnknownResources(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{
		"/api/puzzles/nonexistent",
		"/api/puzzles/nonexistent/report",
		"/api/batches/nonexistent",
		"/api/batches/nonexistent/events",
	} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}
}

func TestBatchFlow(t *testing.T) {
	srv := newTestServer(t)

	payload, _ := json.Marshal(map[string]any{
		"inputs": []map[string]string{
			{"name": "la200102.xml", "publication": "lat", "date": "2020-01-02", "document": sampleDoc},
			{"name": "broken.xml", "publication": "lat", "date": "2020-01-03", "document": "<nope"},
		},
	})
	req := httptest.NewRequest("POST", "/api/batches", strings.NewReader(string(payload)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("create batch: expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var snap BatchSnapshot
	json.NewDecoder(w.Body).Decode(&snap)
	if snap.ID == "" || snap.Total != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	// Poll until the batch is done.
	deadline := time.Now().Add(5 * time.Second)
	for snap.Status != BatchDone {
		if time.Now().After(deadline) {
			t.Fatal("batch did not finish in time")
		}
		time.Sleep(10 * time.Millisecond)

		req = httptest.NewRequest("GET", "/api/batches/"+snap.ID, nil)
		w = httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("get batch: expected 200, got %d", w.Code)
		}
		json.NewDecoder(w.Body).Decode(&snap)
	}

	if len(snap.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(snap.Results))
	}
	if snap.Results[0].Outcome != OutcomeAnalyzed || snap.Results[1].Outcome != OutcomeFormatError {
		t.Fatalf("unexpected outcomes: %s, %s", snap.Results[0].Outcome, snap.Results[1].Outcome)
	}

	// A finished batch still streams its final state.
	req = httptest.NewRequest("GET", "/api/batches/"+snap.ID+"/events", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if !strings.Contains(w.Body.String(), `"type":"batch_state"`) {
		t.Fatalf("expected batch_state event, got %q", w.Body.String())
	}
}

func TestCreateBatchValidation(t *testing.T) {
	srv := newTestServer(t)

	for _, body := range []string{
		`not json`,
		`{"inputs":[]}`,
		`{"inputs":[{"publication":"lat","date":"yesterday","document":"x"}]}`,
		`{"inputs":[{"publication":"  ","document":"x"}]}`,
	} {
		req := httptest.NewRequest("POST", "/api/batches", strings.NewReader(body))
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, w.Code)
		}
	}
}

func TestReloadCorpusWithoutArchive(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/corpus/reload", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestReloadCorpusFromArchive(t *testing.T) {
	srv := newTestServer(t)
	a := openTestArchive(t)
	srv.corpus = NewCorpusHolder(a, nil, testLogger())
	srv.UseArchive(a, nil)

	p, _ := ParseRectangularPuzzle([]byte(sampleDoc), PuzzleInfo{PublicationID: "nyt", Date: mustDate(t, "2010-05-05")})
	if err := a.SavePuzzle(t.Context(), p); err != nil {
		t.Fatalf("save puzzle: %v", err)
	}

	req := httptest.NewRequest("POST", "/api/corpus/reload", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]int
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["records"] != 4 {
		t.Fatalf("expected 4 records, got %d", resp["records"])
	}
	if srv.store.GetPuzzle(p.ID) == nil {
		t.Fatal("archived puzzles should be loaded into the store")
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	var resp struct {
		Status        string `json:"status"`
		CorpusRecords int    `json:"corpus_records"`
		Gemini        bool   `json:"gemini"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Status != "ok" || resp.CorpusRecords != 2 || resp.Gemini {
		t.Fatalf("unexpected health: %+v", resp)
	}
}

func TestSecurityHeaders(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	headers := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}

	for key, expected := range headers {
		if got := w.Header().Get(key); got != expected {
			t.Errorf("header %s: expected %q, got %q", key, expected, got)
		}
	}

	csp := w.Header().Get("Content-Security-Policy")
	if csp == "" {
		t.Error("Content-Security-Policy header missing")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(3, time.Second)
	defer rl.close()

	// First 3 should pass.
	for i := range 3 {
		if !rl.allow("1.2.3.4") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	// 4th should be blocked.
	if rl.allow("1.2.3.4") {
		t.Fatal("4th request should be rate limited")
	}

	// Different IP should still be allowed.
	if !rl.allow("5.6.7.8") {
		t.Fatal("different IP should be allowed")
	}
}

func TestBatchRateLimit(t *testing.T) {
	srv := newTestServer(t)

	code := 0
	for range 6 {
		req := httptest.NewRequest("POST", "/api/batches", strings.NewReader(`{}`))
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		code = w.Code
	}
	if code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after 5 batches, got %d", code)
	}
}

func TestRateLimiterClose(t *testing.T) {
	rl := newRateLimiter(3, time.Second)
	rl.close()
	rl.close() // should not panic

	select {
	case <-rl.stop:
	default:
		t.Fatal("cleanup goroutine should be told to stop")
	}
}

func TestBatchEventsStreamUntilBatchDone(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	release := make(chan struct{})
	inputs := []Input{{
		Name: "la200102.xml",
		Info: PuzzleInfo{PublicationID: "lat", Date: mustDate(t, "2020-01-02")},
		Load: func(context.Context) ([]byte, error) {
			<-release
			return []byte(sampleDoc), nil
		},
	}}
	batch := srv.startBatch(context.Background(), inputs)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(ts.URL + "/api/batches/" + batch.ID + "/events")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	// The first event is the state on connect; the client is now registered.
	r := bufio.NewReader(resp.Body)
	first, err := r.ReadString('\n')
	if err != nil || !strings.Contains(first, `"type":"batch_state"`) {
		t.Fatalf("expected batch_state first, got %q (%v)", first, err)
	}

	close(release)
	rest, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !strings.Contains(string(rest), `"type":"puzzle_done"`) {
		t.Fatalf("expected puzzle_done event, got %q", rest)
	}
	if !strings.Contains(string(rest), `"type":"batch_done"`) {
		t.Fatalf("stream closed without batch_done event: %q", rest)
	}
	if !strings.Contains(string(rest), `"status":"done"`) {
		t.Fatalf("batch_done should carry the final state: %q", rest)
	}
}
