package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"
	"time"
)

// ClueAnswer is one historical clue/answer occurrence from the archive.
type ClueAnswer struct {
	PublicationID string    `json:"publication_id"`
	Date          time.Time `json:"date,omitzero"`
	Answer        string    `json:"answer"`
	Clue          string    `json:"clue"`
}

// Dated reports whether the record carries a publication date.
func (ca ClueAnswer) Dated() bool {
	return !ca.Date.IsZero()
}

// CorpusIndex is a read-only lookup structure over the archive.
// Build a new one to refresh it; it has no mutation path.
type CorpusIndex struct {
	byClue   map[string][]ClueAnswer
	byAnswer map[string]map[string]int
	records  int
}

// BuildCorpusIndex indexes records by normalized clue and by answer.
func BuildCorpusIndex(records []ClueAnswer) *CorpusIndex {
	idx := &CorpusIndex{
		byClue:   make(map[string][]ClueAnswer),
		byAnswer: make(map[string]map[string]int),
		records:  len(records),
	}
	for _, r := range records {
		boiled := NormalizeClue(r.Clue)
		idx.byClue[boiled] = append(idx.byClue[boiled], r)

		counts, ok := idx.byAnswer[r.Answer]
		if !ok {
			counts = make(map[string]int)
			idx.byAnswer[r.Answer] = counts
		}
		counts[boiled]++
	}
	return idx
}

// LookupByClue returns every record whose normalized clue is boiled.
func (idx *CorpusIndex) LookupByClue(boiled string) []ClueAnswer {
	if idx == nil {
		return nil
	}
	return slices.Clone(idx.byClue[boiled])
}

// LookupByAnswer returns normalized clue -> use count for answer.
func (idx *CorpusIndex) LookupByAnswer(answer string) map[string]int {
	if idx == nil {
		return map[string]int{}
	}
	counts, ok := idx.byAnswer[answer]
	if !ok {
		return map[string]int{}
	}
	return maps.Clone(counts)
}

// Len returns the number of indexed records.
func (idx *CorpusIndex) Len() int {
	if idx == nil {
		return 0
	}
	return idx.records
}

// CorpusLoader supplies the full record feed the index is built from.
type CorpusLoader interface {
	LoadClues(ctx context.Context) ([]ClueAnswer, error)
}

// CorpusHolder publishes the current CorpusIndex. Reload builds a fresh index
// and swaps it in whole, so readers always see a complete snapshot.
type CorpusHolder struct {
	loader  CorpusLoader
	logger  *slog.Logger
	current atomic.Pointer[CorpusIndex]
}

// NewCorpusHolder starts with idx (which may be empty) as the current index.
func NewCorpusHolder(loader CorpusLoader, idx *CorpusIndex, logger *slog.Logger) *CorpusHolder {
	if idx == nil {
		idx = BuildCorpusIndex(nil)
	}
	h := &CorpusHolder{loader: loader, logger: logger}
	h.current.Store(idx)
	return h
}

// Index returns the current snapshot.
func (h *CorpusHolder) Index() *CorpusIndex {
	return h.current.Load()
}

// Reload rebuilds the index from the loader and publishes it.
func (h *CorpusHolder) Reload(ctx context.Context) (*CorpusIndex, error) {
	if h.loader == nil {
		return nil, fmt.Errorf("reload corpus: %w: no archive configured", ErrUpstreamUnavailable)
	}
	start := time.Now()
	records, err := h.loader.LoadClues(ctx)
	if err != nil {
		return nil, fmt.Errorf("reload corpus: %w", err)
	}
	idx := BuildCorpusIndex(records)
	h.current.Store(idx)
	corpusRecords.Set(float64(idx.Len()))
	h.logger.Info("corpus index rebuilt", "records", idx.Len(), "duration", time.Since(start))
	return idx, nil
}
