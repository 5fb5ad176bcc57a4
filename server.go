package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxUploadSize   = 10 << 20 // 10 Mo
	maxDocumentSize = 2 << 20
	maxBatchInputs  = 366
)

var allowedMIME = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// rateLimiter is a simple per-IP token bucket rate limiter.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*bucket
	rate     int           // tokens per interval
	interval time.Duration // refill interval
	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	tokens   int
	lastSeen time.Time
}

func newRateLimiter(rate int, interval time.Duration) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*bucket),
		rate:     rate,
		interval: interval,
		stop:     make(chan struct{}),
	}
	// Cleanup stale entries every minute.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-rl.stop:
				return
			case <-ticker.C:
			}
			rl.mu.Lock()
			for ip, b := range rl.visitors {
				if time.Since(b.lastSeen) > 5*time.Minute {
					delete(rl.visitors, ip)
				}
			}
			rl.mu.Unlock()
		}
	}()
	return rl
}

// close stops the cleanup goroutine.
func (rl *rateLimiter) close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.visitors[ip]
	if !ok {
		rl.visitors[ip] = &bucket{tokens: rl.rate - 1, lastSeen: time.Now()}
		return true
	}

	// Refill tokens based on elapsed time.
	elapsed := time.Since(b.lastSeen)
	refill := int(elapsed / rl.interval)
	if refill > 0 {
		b.tokens += refill * rl.rate
		if b.tokens > rl.rate {
			b.tokens = rl.rate
		}
		b.lastSeen = time.Now()
	}

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Server is the main HTTP server.
type Server struct {
	mux       *http.ServeMux
	store     *Store
	corpus    *CorpusHolder
	archive   *Archive
	neighbors atomic.Pointer[NeighborIndex]
	gemini    *GeminiClient
	opts      AnalyzerOptions
	logger    *slog.Logger
	sse       *Broadcaster
	uploadRL  *rateLimiter
	batchRL   *rateLimiter
}

// NewServer creates a configured HTTP server. gemini may be nil.
func NewServer(store *Store, corpus *CorpusHolder, gemini *GeminiClient, opts AnalyzerOptions, logger *slog.Logger) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		store:    store,
		corpus:   corpus,
		gemini:   gemini,
		opts:     opts,
		logger:   logger,
		sse:      NewBroadcaster(),
		uploadRL: newRateLimiter(30, time.Minute), // 30 documents/min per IP
		batchRL:  newRateLimiter(5, time.Minute),  // 5 batches/min per IP
	}
	s.neighbors.Store(&NeighborIndex{})
	s.routes()
	return s
}

// Close releases the server's background resources.
func (s *Server) Close() {
	s.uploadRL.close()
	s.batchRL.close()
}

// UseArchive attaches the archive the corpus is reloaded from, along with its
// current neighbor index.
func (s *Server) UseArchive(a *Archive, neighbors NeighborIndex) {
	s.archive = a
	if neighbors == nil {
		neighbors = NeighborIndex{}
	}
	s.neighbors.Store(&neighbors)
}

func (s *Server) routes() {
	// Puzzle API
	s.mux.HandleFunc("POST /api/puzzles", s.handleCreatePuzzle)
	s.mux.HandleFunc("POST /api/puzzles/image", s.handleCreatePuzzleFromImage)
	s.mux.HandleFunc("GET /api/puzzles", s.handleListPuzzles)
	s.mux.HandleFunc("GET /api/puzzles/{id}", s.handleGetPuzzle)
	s.mux.HandleFunc("GET /api/puzzles/{id}/report", s.handleGetReport)

	// Batch API
	s.mux.HandleFunc("POST /api/batches", s.handleCreateBatch)
	s.mux.HandleFunc("GET /api/batches/{id}", s.handleGetBatch)
	s.mux.HandleFunc("GET /api/batches/{id}/events", s.handleBatchEvents)

	// Corpus
	s.mux.HandleFunc("POST /api/corpus/reload", s.handleReloadCorpus)

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	s.mux.ServeHTTP(w, r)
}

// analyzer binds the current corpus snapshot; a reload never affects
// an analysis already in progress.
func (s *Server) analyzer() *Analyzer {
	return NewAnalyzer(s.corpus.Index(), s.store, *s.neighbors.Load(), s.opts, s.logger)
}

// --- Puzzle handlers ---

// POST /api/puzzles?publication=&date=: parse an XML document and analyze it.
func (s *Server) handleCreatePuzzle(w http.ResponseWriter, r *http.Request) {
	if !s.uploadRL.allow(r.RemoteAddr) {
		jsonError(w, "Trop de requêtes, réessayez plus tard", http.StatusTooManyRequests)
		return
	}

	info, ok := puzzleInfoFromQuery(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxDocumentSize)
	doc, err := io.ReadAll(r.Body)
	if err != nil {
		jsonError(w, "Document trop volumineux (max 2 Mo)", http.StatusRequestEntityTooLarge)
		return
	}

	runner := NewBatchRunner(s.analyzer(), s.store, s.logger)
	report, res := runner.Process(r.Context(), InlineInput(info.PublicationID, info, doc))
	if res.Outcome != OutcomeAnalyzed {
		jsonError(w, res.Error, statusForOutcome(res.Outcome))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(report)
}

// POST /api/puzzles/image: read a grid photo with Gemini, then analyze it.
func (s *Server) handleCreatePuzzleFromImage(w http.ResponseWriter, r *http.Request) {
	if !s.uploadRL.allow(r.RemoteAddr) {
		jsonError(w, "Trop de requêtes, réessayez plus tard", http.StatusTooManyRequests)
		return
	}

	if s.gemini == nil {
		jsonError(w, "Analyse d'image non configurée", http.StatusServiceUnavailable)
		return
	}

	info, ok := puzzleInfoFromQuery(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		jsonError(w, "Image trop volumineuse (max 10 Mo)", http.StatusRequestEntityTooLarge)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		jsonError(w, "Champ 'image' requis", http.StatusBadRequest)
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if !allowedMIME[mimeType] {
		jsonError(w, "Format accepté : JPEG ou PNG", http.StatusBadRequest)
		return
	}

	imageData, err := io.ReadAll(file)
	if err != nil {
		jsonError(w, "Erreur de lecture de l'image", http.StatusInternalServerError)
		return
	}

	puzzle, err := s.gemini.ExtractPuzzle(r.Context(), imageData, mimeType, info)
	if err != nil {
		s.logger.Error("gemini extract failed", "error", err)
		puzzlesProcessed.WithLabelValues(string(outcomeForError(err))).Inc()
		jsonError(w, "Erreur lors de la lecture de la grille", statusForError(err))
		return
	}
	if err := s.store.SavePuzzle(puzzle); err != nil {
		jsonError(w, "Grille invalide", http.StatusUnprocessableEntity)
		return
	}

	report, err := s.analyzer().Analyze(r.Context(), puzzle)
	puzzlesProcessed.WithLabelValues(string(outcomeForError(err))).Inc()
	if err != nil {
		jsonError(w, err.Error(), statusForError(err))
		return
	}
	s.store.SaveReport(report)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(report)
}

// GET /api/puzzles: list all puzzles.
func (s *Server) handleListPuzzles(w http.ResponseWriter, _ *http.Request) {
	puzzles := s.store.ListPuzzles()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(puzzles)
}

// GET /api/puzzles/{id}: get a single puzzle.
func (s *Server) handleGetPuzzle(w http.ResponseWriter, r *http.Request) {
	puzzle := s.store.GetPuzzle(r.PathValue("id"))
	if puzzle == nil {
		jsonError(w, "Grille introuvable", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(puzzle)
}

// GET /api/puzzles/{id}/report: get the latest analysis of a puzzle.
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report := s.store.GetReport(r.PathValue("id"))
	if report == nil {
		jsonError(w, "Analyse introuvable", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// --- Batch handlers ---

type batchRequest struct {
	Inputs []struct {
		Name        string `json:"name"`
		Publication string `json:"publication"`
		Date        string `json:"date"`
		Document    string `json:"document"`
	} `json:"inputs"`
}

// POST /api/batches: analyze several documents in the background.
func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	if !s.batchRL.allow(r.RemoteAddr) {
		jsonError(w, "Trop de requêtes, réessayez plus tard", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Inputs) == 0 {
		jsonError(w, "Champ 'inputs' requis", http.StatusBadRequest)
		return
	}
	if len(req.Inputs) > maxBatchInputs {
		jsonError(w, "Trop de documents dans le lot", http.StatusBadRequest)
		return
	}

	inputs := make([]Input, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		date, err := ParseDate(in.Date)
		if err != nil {
			jsonError(w, "Date invalide : "+in.Date, http.StatusBadRequest)
			return
		}
		publication := sanitizeName(in.Publication)
		if publication == "" {
			jsonError(w, "Champ 'publication' requis", http.StatusBadRequest)
			return
		}
		info := PuzzleInfo{PublicationID: publication, Date: date}
		name := sanitizeName(in.Name)
		if name == "" {
			name = XDID(info.PublicationID, info.Date)
		}
		inputs = append(inputs, InlineInput(name, info, []byte(in.Document)))
	}

	batch := s.startBatch(context.WithoutCancel(r.Context()), inputs)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(batch.Snapshot())
}

// startBatch runs inputs in the background and streams progress to the
// batch's SSE clients. batch_done is queued before the batch reports done.
func (s *Server) startBatch(ctx context.Context, inputs []Input) *Batch {
	batch := s.store.CreateBatch(len(inputs))
	runner := NewBatchRunner(s.analyzer(), s.store, s.logger)
	runner.OnResult = func(res BatchResult) {
		evt, _ := json.Marshal(map[string]any{
			"type":   "puzzle_done",
			"result": res,
		})
		s.sse.Broadcast(batch.ID, string(evt))
	}
	runner.OnFinish = func(snap BatchSnapshot) {
		evt, _ := json.Marshal(map[string]any{
			"type":  "batch_done",
			"batch": snap,
		})
		s.sse.Broadcast(batch.ID, string(evt))
	}

	go runner.Run(ctx, batch, inputs)
	return batch
}

// GET /api/batches/{id}: batch progress.
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batch := s.store.GetBatch(r.PathValue("id"))
	if batch == nil {
		jsonError(w, "Lot introuvable", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(batch.Snapshot())
}

// GET /api/batches/{id}/events: SSE stream.
func (s *Server) handleBatchEvents(w http.ResponseWriter, r *http.Request) {
	batch := s.store.GetBatch(r.PathValue("id"))
	if batch == nil {
		jsonError(w, "Lot introuvable", http.StatusNotFound)
		return
	}

	s.sse.ServeSSE(w, r, batch.ID, batch.Done(), func(c *client) {
		// Send current progress on connect.
		evt, _ := json.Marshal(map[string]any{
			"type":  "batch_state",
			"batch": batch.Snapshot(),
		})
		c.ch <- string(evt)
	})
}

// --- Corpus handlers ---

// POST /api/corpus/reload: rebuild the corpus index from the archive.
func (s *Server) handleReloadCorpus(w http.ResponseWriter, r *http.Request) {
	idx, err := s.corpus.Reload(r.Context())
	if err != nil {
		s.logger.Error("corpus reload failed", "error", err)
		jsonError(w, "Rechargement du corpus impossible", statusForError(err))
		return
	}
	if s.archive != nil {
		neighbors, err := s.archive.LoadInto(r.Context(), s.store)
		if err != nil {
			s.logger.Error("neighbor reload failed", "error", err)
			jsonError(w, "Rechargement des grilles impossible", statusForError(err))
			return
		}
		s.neighbors.Store(&neighbors)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"records": idx.Len()})
}

// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"corpus_records": s.corpus.Index().Len(),
		"gemini":         s.gemini != nil,
	})
}

// --- Helpers ---

// puzzleInfoFromQuery reads ?publication=&date=, answering 400 on failure.
func puzzleInfoFromQuery(w http.ResponseWriter, r *http.Request) (PuzzleInfo, bool) {
	publication := sanitizeName(r.URL.Query().Get("publication"))
	if publication == "" {
		jsonError(w, "Paramètre 'publication' requis", http.StatusBadRequest)
		return PuzzleInfo{}, false
	}
	date, err := ParseDate(r.URL.Query().Get("date"))
	if err != nil {
		jsonError(w, "Date invalide (AAAA-MM-JJ)", http.StatusBadRequest)
		return PuzzleInfo{}, false
	}
	return PuzzleInfo{PublicationID: publication, Date: date}, true
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func sanitizeName(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > 64 {
		s = string([]rune(s)[:64])
	}
	return s
}
