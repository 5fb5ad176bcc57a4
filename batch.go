package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Input is one puzzle document to process in a batch.
type Input struct {
	Name string
	Info PuzzleInfo
	// Load fetches the raw document. Failures should wrap ErrUpstreamUnavailable.
	Load func(ctx context.Context) ([]byte, error)
}

// FileInput reads a document from disk.
func FileInput(path string, info PuzzleInfo) Input {
	return Input{
		Name: filepath.Base(path),
		Info: info,
		Load: func(context.Context) ([]byte, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, upstreamError("read "+path, err)
			}
			return data, nil
		},
	}
}

// InlineInput wraps a document already in memory.
func InlineInput(name string, info PuzzleInfo, doc []byte) Input {
	return Input{
		Name: name,
		Info: info,
		Load: func(context.Context) ([]byte, error) {
			if len(doc) == 0 {
				return nil, &FormatError{Element: "document", Msg: name + " is empty"}
			}
			return doc, nil
		},
	}
}

// laTimesName matches LA Times file names such as "la200102.xml".
var laTimesName = regexp.MustCompile(`^([a-z]+)(\d{6})\b`)

// InfoFromFilename derives the publication and date from a provider file name.
// Unrecognized names yield the bare name as publication and no date.
func InfoFromFilename(path string) PuzzleInfo {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	m := laTimesName.FindStringSubmatch(base)
	if m == nil {
		return PuzzleInfo{PublicationID: base}
	}
	date, err := time.Parse("060102", m[2])
	if err != nil {
		return PuzzleInfo{PublicationID: m[1]}
	}
	return PuzzleInfo{PublicationID: m[1], Date: date}
}

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	BatchRunning BatchStatus = "running"
	BatchDone    BatchStatus = "done"
)

// BatchResult is the outcome of one input.
type BatchResult struct {
	Name     string   `json:"name"`
	PuzzleID string   `json:"puzzle_id,omitempty"`
	Outcome  Outcome  `json:"outcome"`
	Error    string   `json:"error,omitempty"`
	Summary  *Summary `json:"summary,omitempty"`
}

// Batch tracks the progress of a batch run.
type Batch struct {
	ID         string
	Total      int
	CreatedAt  time.Time
	status     BatchStatus
	results    []BatchResult
	finishedAt time.Time
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.Mutex
}

// BatchSnapshot is a point-in-time copy of a batch.
type BatchSnapshot struct {
	ID         string        `json:"id"`
	Status     BatchStatus   `json:"status"`
	Total      int           `json:"total"`
	Done       int           `json:"done"`
	Results    []BatchResult `json:"results"`
	CreatedAt  time.Time     `json:"created_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

func newBatch(total int) *Batch {
	return &Batch{
		ID:        uuid.NewString(),
		Total:     total,
		CreatedAt: time.Now(),
		status:    BatchRunning,
		results:   make([]BatchResult, 0, total),
		done:      make(chan struct{}),
	}
}

// Record appends the result of one input.
func (b *Batch) Record(r BatchResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results = append(b.results, r)
}

// complete records the batch as done without releasing Done waiters.
func (b *Batch) complete() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == BatchDone {
		return
	}
	b.status = BatchDone
	b.finishedAt = time.Now()
}

// Finish marks the batch complete and closes Done. Calling it twice is a no-op.
func (b *Batch) Finish() {
	b.complete()
	b.closeOnce.Do(func() { close(b.done) })
}

// Done is closed once the batch has finished.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Snapshot returns a copy of the current batch state.
func (b *Batch) Snapshot() BatchSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := BatchSnapshot{
		ID:        b.ID,
		Status:    b.status,
		Total:     b.Total,
		Done:      len(b.results),
		Results:   make([]BatchResult, len(b.results)),
		CreatedAt: b.CreatedAt,
	}
	copy(snap.Results, b.results)
	if b.status == BatchDone {
		t := b.finishedAt
		snap.FinishedAt = &t
	}
	return snap
}

// BatchRunner parses and analyzes inputs one at a time. A failing input
// never stops the batch.
type BatchRunner struct {
	analyzer *Analyzer
	store    *Store
	logger   *slog.Logger
	// OnResult, when set, is called after each input.
	OnResult func(BatchResult)
	// OnFinish, when set, is called with the final state before Done is closed.
	OnFinish func(BatchSnapshot)
}

// NewBatchRunner creates a runner. store may be nil when puzzles and reports
// need not be kept.
func NewBatchRunner(analyzer *Analyzer, store *Store, logger *slog.Logger) *BatchRunner {
	return &BatchRunner{analyzer: analyzer, store: store, logger: logger}
}

// Run processes every input into b and marks it done.
func (r *BatchRunner) Run(ctx context.Context, b *Batch, inputs []Input) {
	ctx, span := tracer.Start(ctx, "BatchRunner.Run", trace.WithAttributes(
		attribute.String("batch.id", b.ID),
		attribute.Int("batch.inputs", len(inputs)),
	))
	defer span.End()

	for _, in := range inputs {
		_, res := r.Process(ctx, in)
		b.Record(res)
		if r.OnResult != nil {
			r.OnResult(res)
		}
	}
	b.complete()
	if r.OnFinish != nil {
		r.OnFinish(b.Snapshot())
	}
	b.Finish()
	r.logger.Info("batch finished", "batch", b.ID, "inputs", len(inputs))
}

// Process loads, parses and analyzes a single input.
func (r *BatchRunner) Process(ctx context.Context, in Input) (*Report, BatchResult) {
	ctx, span := tracer.Start(ctx, "BatchRunner.Process", trace.WithAttributes(attribute.String("input.name", in.Name)))
	defer span.End()

	res := BatchResult{Name: in.Name}
	report, err := r.process(ctx, in, &res)
	res.Outcome = outcomeForError(err)
	puzzlesProcessed.WithLabelValues(string(res.Outcome)).Inc()
	if err != nil {
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(res.Outcome))
		r.logger.Warn("puzzle skipped", "input", in.Name, "outcome", res.Outcome, "error", err)
		return nil, res
	}
	res.Summary = &report.Summary
	return report, res
}

func (r *BatchRunner) process(ctx context.Context, in Input, res *BatchResult) (*Report, error) {
	if in.Load == nil {
		return nil, errors.New("input has no loader")
	}
	doc, err := in.Load(ctx)
	if err != nil {
		return nil, err
	}
	p, err := ParseRectangularPuzzle(doc, in.Info)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", in.Name, err)
	}
	res.PuzzleID = p.ID
	if r.store != nil {
		if err := r.store.SavePuzzle(p); err != nil {
			return nil, err
		}
	}
	report, err := r.analyzer.Analyze(ctx, p)
	if err != nil {
		return nil, err
	}
	if r.store != nil {
		r.store.SaveReport(report)
	}
	return report, nil
}
