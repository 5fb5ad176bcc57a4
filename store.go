package main

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
)

// Store holds parsed puzzles, their reports and batch runs in memory.
type Store struct {
	mu      sync.RWMutex
	puzzles map[string]*Puzzle
	reports map[string]*Report
	batches map[string]*Batch
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		puzzles: make(map[string]*Puzzle),
		reports: make(map[string]*Report),
		batches: make(map[string]*Batch),
	}
}

// SavePuzzle stores p under its ID, replacing any previous version.
func (s *Store) SavePuzzle(p *Puzzle) error {
	if p.ID == "" {
		return fmt.Errorf("save puzzle: empty id")
	}
	s.mu.Lock()
	s.puzzles[p.ID] = p
	s.mu.Unlock()
	return nil
}

// GetPuzzle returns a puzzle by ID, or nil if not found.
func (s *Store) GetPuzzle(id string) *Puzzle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puzzles[id]
}

// ListPuzzles returns all puzzles, most recently published first.
func (s *Store) ListPuzzles() []*Puzzle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*Puzzle, 0, len(s.puzzles))
	for _, p := range s.puzzles {
		list = append(list, p)
	}
	slices.SortFunc(list, func(a, b *Puzzle) int {
		if c := b.Date.Compare(a.Date); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return list
}

// SaveReport stores the analysis of a puzzle.
func (s *Store) SaveReport(r *Report) {
	s.mu.Lock()
	s.reports[r.PuzzleID] = r
	s.mu.Unlock()
}

// GetReport returns the latest report for a puzzle, or nil.
func (s *Store) GetReport(puzzleID string) *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reports[puzzleID]
}

// CreateBatch registers a new batch of n inputs.
func (s *Store) CreateBatch(n int) *Batch {
	b := newBatch(n)
	s.mu.Lock()
	s.batches[b.ID] = b
	s.mu.Unlock()
	return b
}

// GetBatch returns a batch by ID, or nil if not found.
func (s *Store) GetBatch(id string) *Batch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.batches[id]
}
