package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultSimilarityFloor is the grid similarity below which a neighbor is
// considered unrelated.
const DefaultSimilarityFloor = 25

// PuzzleSource resolves puzzle identifiers. GetPuzzle returns nil when unknown.
type PuzzleSource interface {
	GetPuzzle(id string) *Puzzle
}

// NeighborIndex lists, per puzzle ID, the candidate similar puzzles supplied by
// the archive. The analyzer only scores the candidates it is given.
type NeighborIndex map[string][]string

// AnalyzerOptions tunes reporting policy.
type AnalyzerOptions struct {
	SimilarityFloor int
	// CollapseRepeatedUses keeps only the clue text (no puzzle identity) for an
	// alternate clue that the corpus pairs with the answer more than once.
	CollapseRepeatedUses bool
}

func DefaultAnalyzerOptions() AnalyzerOptions {
	return AnalyzerOptions{
		SimilarityFloor:      DefaultSimilarityFloor,
		CollapseRepeatedUses: true,
	}
}

// ClueUse is one alternate phrasing previously used for an answer.
type ClueUse struct {
	Clue     string      `json:"clue"`
	Uses     int         `json:"uses"`
	LastUsed time.Time   `json:"last_used,omitzero"`
	Record   *ClueAnswer `json:"record,omitempty"`
}

// AnswerUse is one other answer the corpus gives for an equivalent clue.
type AnswerUse struct {
	Answer   string    `json:"answer"`
	Uses     int       `json:"uses"`
	LastUsed time.Time `json:"last_used,omitzero"`
}

// ClueReport is the reuse analysis of a single clue.
type ClueReport struct {
	Position    string    `json:"position"`
	Number      int       `json:"number"`
	Direction   Direction `json:"direction"`
	Clue        string    `json:"clue"`
	Answer      string    `json:"answer"`
	StaleClue   bool      `json:"stale_clue"`
	StaleAnswer bool      `json:"stale_answer"`
	// Selected is the default option shown with PriorUses: the clue as printed.
	Selected         string       `json:"selected"`
	PriorUses        []ClueAnswer `json:"prior_uses"`
	AlternateClues   []ClueUse    `json:"alternate_clues"`
	AlternateAnswers []AnswerUse  `json:"alternate_answers"`
}

// SimilarityScore is the grid similarity against one neighbor.
type SimilarityScore struct {
	PuzzleID string   `json:"puzzle_id"`
	Percent  int      `json:"percent"`
	Same     [][]bool `json:"same,omitempty"`
}

// Summary aggregates a puzzle's clue reports and grid comparisons.
type Summary struct {
	StaleClueCount    int               `json:"stale_clue_count"`
	StaleAnswerCount  int               `json:"stale_answer_count"`
	TotalClueCount    int               `json:"total_clue_count"`
	ReusePercent      *float64          `json:"reuse_percent,omitempty"`
	SimilarityPercent int               `json:"similarity_percent"`
	SimilarGrids      []SimilarityScore `json:"similar_grids"`
}

// Report is the full analysis of one puzzle.
type Report struct {
	PuzzleID      string       `json:"puzzle_id"`
	PublicationID string       `json:"publication_id"`
	Date          time.Time    `json:"date,omitzero"`
	Clues         []ClueReport `json:"clues"`
	Summary       Summary      `json:"summary"`
	AnalyzedAt    time.Time    `json:"analyzed_at"`
}

// Analyzer cross-references puzzles against a corpus index.
// It holds no mutable state and may be shared between goroutines.
type Analyzer struct {
	corpus    *CorpusIndex
	puzzles   PuzzleSource
	neighbors NeighborIndex
	opts      AnalyzerOptions
	logger    *slog.Logger
}

// NewAnalyzer creates an analyzer over corpus. puzzles and neighbors may be nil,
// in which case the grid similarity pass finds nothing.
func NewAnalyzer(corpus *CorpusIndex, puzzles PuzzleSource, neighbors NeighborIndex, opts AnalyzerOptions, logger *slog.Logger) *Analyzer {
	if corpus == nil {
		corpus = BuildCorpusIndex(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		corpus:    corpus,
		puzzles:   puzzles,
		neighbors: neighbors,
		opts:      opts,
		logger:    logger,
	}
}

// Analyze produces the reuse report of p. It fails only when p's grid is invalid;
// an invalid clue is reported fresh and the rest of the puzzle is still analyzed.
func (a *Analyzer) Analyze(ctx context.Context, p *Puzzle) (*Report, error) {
	if p == nil {
		return nil, errors.New("analyze: nil puzzle")
	}
	_, span := tracer.Start(ctx, "Analyzer.Analyze", trace.WithAttributes(
		attribute.String("puzzle.id", p.ID),
		attribute.Int("puzzle.clues", len(p.Clues)),
	))
	defer span.End()

	if err := p.ValidateGrid(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid puzzle")
		return nil, fmt.Errorf("analyze %s: %w", p.ID, err)
	}

	start := time.Now()
	report := &Report{
		PuzzleID:      p.ID,
		PublicationID: p.PublicationID,
		Date:          p.Date,
		Clues:         make([]ClueReport, 0, len(p.Clues)),
		AnalyzedAt:    start,
	}

	sum := &report.Summary
	for _, clue := range p.Clues {
		cr := a.analyzeClue(p, clue)
		if cr.StaleClue {
			sum.StaleClueCount++
			cluesAnalyzed.WithLabelValues("stale_clue").Inc()
		}
		if cr.StaleAnswer {
			sum.StaleAnswerCount++
			cluesAnalyzed.WithLabelValues("stale_answer").Inc()
		}
		cluesAnalyzed.WithLabelValues("total").Inc()
		sum.TotalClueCount++
		report.Clues = append(report.Clues, cr)
	}
	if sum.TotalClueCount > 0 {
		pct := 100 * float64(sum.StaleClueCount) / float64(sum.TotalClueCount)
		sum.ReusePercent = &pct
	}

	sum.SimilarGrids = a.similarGrids(p)
	if n := len(sum.SimilarGrids); n > 0 {
		total := 0
		for _, s := range sum.SimilarGrids {
			total += s.Percent
		}
		sum.SimilarityPercent = total / n
	}

	analysisDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("puzzle.stale_clues", sum.StaleClueCount),
		attribute.Int("puzzle.stale_answers", sum.StaleAnswerCount),
	)
	a.logger.Debug("puzzle analyzed",
		"puzzle", p.ID,
		"stale_clues", sum.StaleClueCount,
		"stale_answers", sum.StaleAnswerCount,
		"total_clues", sum.TotalClueCount,
		"similar_grids", len(sum.SimilarGrids),
	)
	return report, nil
}

// usageKey groups same-answer usages of a clue.
type usageKey struct {
	publicationID string
	boiled        string
	answer        string
}

// isPriorOccurrence reports whether u was published no later than p, excluding
// p's own appearance in the corpus.
func isPriorOccurrence(u ClueAnswer, p *Puzzle) bool {
	if p.Date.IsZero() || !u.Dated() || u.Date.After(p.Date) {
		return false
	}
	return !(u.PublicationID == p.PublicationID && u.Date.Equal(p.Date))
}

// moreRecent orders records newest first, then by publication and clue text.
func moreRecent(x, y ClueAnswer) int {
	if c := y.Date.Compare(x.Date); c != 0 {
		return c
	}
	if c := cmp.Compare(x.PublicationID, y.PublicationID); c != 0 {
		return c
	}
	return cmp.Compare(x.Clue, y.Clue)
}

func (a *Analyzer) analyzeClue(p *Puzzle, clue Clue) ClueReport {
	cr := ClueReport{
		Position:         clue.Position(),
		Number:           clue.Number,
		Direction:        clue.Direction,
		Clue:             clue.Text,
		Answer:           clue.Solution,
		Selected:         clue.Text,
		PriorUses:        []ClueAnswer{},
		AlternateClues:   []ClueUse{},
		AlternateAnswers: []AnswerUse{},
	}
	if clue.Solution == "" {
		a.logger.Warn("clue has no solution, reporting it as fresh", "puzzle", p.ID, "position", cr.Position)
		return cr
	}
	if err := clue.Validate(); err != nil {
		a.logger.Warn("invalid clue, reporting it as fresh", "puzzle", p.ID, "position", cr.Position, "error", err)
		return cr
	}

	boiled := NormalizeClue(clue.Text)
	latest := make(map[usageKey]ClueAnswer)
	others := make(map[string]*AnswerUse)
	for _, v := range ClueVariants(a.corpus, clue.Text) {
		if v.Answer != clue.Solution {
			u, ok := others[v.Answer]
			if !ok {
				u = &AnswerUse{Answer: v.Answer}
				others[v.Answer] = u
			}
			u.Uses++
			if v.Date.After(u.LastUsed) {
				u.LastUsed = v.Date
			}
			continue
		}
		if !isPriorOccurrence(v, p) {
			continue
		}
		cr.StaleClue = true
		key := usageKey{publicationID: v.PublicationID, boiled: boiled, answer: v.Answer}
		if cur, ok := latest[key]; !ok || moreRecent(v, cur) < 0 {
			latest[key] = v
		}
	}
	for _, v := range latest {
		cr.PriorUses = append(cr.PriorUses, v)
	}
	slices.SortFunc(cr.PriorUses, moreRecent)

	for _, u := range others {
		cr.AlternateAnswers = append(cr.AlternateAnswers, *u)
	}
	slices.SortFunc(cr.AlternateAnswers, func(x, y AnswerUse) int {
		if c := cmp.Compare(y.Uses, x.Uses); c != 0 {
			return c
		}
		if c := y.LastUsed.Compare(x.LastUsed); c != 0 {
			return c
		}
		return cmp.Compare(x.Answer, y.Answer)
	})

	cr.AlternateClues = a.alternateClues(p, clue.Solution)
	cr.StaleAnswer = len(cr.AlternateClues) > 0
	return cr
}

// alternateClues returns one representative per normalized clue the corpus
// pairs with answer before p's date, most used first.
func (a *Analyzer) alternateClues(p *Puzzle, answer string) []ClueUse {
	uses := []ClueUse{}
	if p.Date.IsZero() {
		return uses
	}
	for boiled, n := range a.corpus.LookupByAnswer(answer) {
		var group []ClueAnswer
		for _, r := range a.corpus.LookupByClue(boiled) {
			if r.Answer == answer && r.Dated() && r.Date.Before(p.Date) {
				group = append(group, r)
			}
		}
		if len(group) == 0 {
			continue
		}
		rep := slices.MinFunc(group, moreRecent)
		cu := ClueUse{Clue: rep.Clue, Uses: n, LastUsed: rep.Date}
		if !(a.opts.CollapseRepeatedUses && n > 1) {
			cu.Record = &rep
		}
		uses = append(uses, cu)
	}
	slices.SortFunc(uses, func(x, y ClueUse) int {
		if c := cmp.Compare(y.Uses, x.Uses); c != 0 {
			return c
		}
		if c := y.LastUsed.Compare(x.LastUsed); c != 0 {
			return c
		}
		return cmp.Compare(x.Clue, y.Clue)
	})
	return uses
}

// similarGrids scores p against its archive neighbors, dropping those under the floor.
func (a *Analyzer) similarGrids(p *Puzzle) []SimilarityScore {
	scores := []SimilarityScore{}
	if a.puzzles == nil {
		return scores
	}
	for _, id := range a.neighbors[p.ID] {
		if id == p.ID {
			continue
		}
		other := a.puzzles.GetPuzzle(id)
		if other == nil {
			danglingNeighbors.Inc()
			a.logger.Warn("similar grid not found, skipping", "puzzle", p.ID, "neighbor", id)
			continue
		}
		pct := GridSimilarity(p, other)
		if pct < a.opts.SimilarityFloor {
			continue
		}
		scores = append(scores, SimilarityScore{PuzzleID: id, Percent: pct, Same: CompareGrids(other, p)})
	}
	slices.SortFunc(scores, func(x, y SimilarityScore) int {
		if c := cmp.Compare(y.Percent, x.Percent); c != 0 {
			return c
		}
		return cmp.Compare(x.PuzzleID, y.PuzzleID)
	})
	return scores
}
