package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := OpenArchive(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestArchivePuzzleRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := openTestArchive(t)

	p, err := ParseRectangularPuzzle([]byte(sampleDoc), sampleInfo(t))
	require.NoError(t, err)
	require.NoError(t, a.SavePuzzle(ctx, p))

	puzzles, err := a.LoadPuzzles(ctx)
	require.NoError(t, err)
	require.Len(t, puzzles, 1)
	assert.Equal(t, p, puzzles[0])

	clues, err := a.LoadClues(ctx)
	require.NoError(t, err)
	require.Len(t, clues, 4)
	assert.Equal(t, ClueAnswer{PublicationID: "lat", Date: mustDate(t, "2020-01-02"), Answer: "CAT", Clue: "Feline & friend"}, clues[0])

	// Saving again replaces the puzzle's records instead of duplicating them.
	require.NoError(t, a.SavePuzzle(ctx, p))
	clues, err = a.LoadClues(ctx)
	require.NoError(t, err)
	assert.Len(t, clues, 4)
}

func TestArchiveAddClues(t *testing.T) {
	ctx := context.Background()
	a := openTestArchive(t)

	records := []ClueAnswer{
		{PublicationID: "nyt", Date: mustDate(t, "1999-12-31"), Answer: "ERA", Clue: "Long time"},
		{PublicationID: "nyt", Answer: "EON", Clue: "Very long time"},
	}
	require.NoError(t, a.AddClues(ctx, records))

	got, err := a.LoadClues(ctx)
	require.NoError(t, err)
	assert.Equal(t, records, got)
	assert.False(t, got[1].Dated())

	idx := BuildCorpusIndex(got)
	assert.Len(t, idx.LookupByClue("long time"), 1)
}

func TestArchiveNeighbors(t *testing.T) {
	ctx := context.Background()
	a := openTestArchive(t)

	require.NoError(t, a.SetNeighbors(ctx, "lat2020-01-02", []string{"nyt2010-01-01", "wsj2011-01-01", "nyt2010-01-01"}))
	require.NoError(t, a.SetNeighbors(ctx, "nyt2010-01-01", []string{"old"}))
	require.NoError(t, a.SetNeighbors(ctx, "nyt2010-01-01", []string{"wsj2011-01-01"}))

	idx, err := a.LoadNeighbors(ctx)
	require.NoError(t, err)
	assert.Equal(t, NeighborIndex{
		"lat2020-01-02": {"nyt2010-01-01", "wsj2011-01-01"},
		"nyt2010-01-01": {"wsj2011-01-01"},
	}, idx)
}

func TestArchiveLoadIntoStore(t *testing.T) {
	ctx := context.Background()
	a := openTestArchive(t)

	p, err := ParseRectangularPuzzle([]byte(sampleDoc), sampleInfo(t))
	require.NoError(t, err)
	require.NoError(t, a.SavePuzzle(ctx, p))
	require.NoError(t, a.SetNeighbors(ctx, p.ID, []string{"nyt2010-01-01"}))

	store := NewStore()
	neighbors, err := a.LoadInto(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, p, store.GetPuzzle(p.ID))
	assert.Equal(t, []string{"nyt2010-01-01"}, neighbors[p.ID])
}

func TestArchiveCorpusReload(t *testing.T) {
	ctx := context.Background()
	a := openTestArchive(t)
	h := NewCorpusHolder(a, nil, testLogger())

	require.NoError(t, a.AddClues(ctx, []ClueAnswer{{PublicationID: "nyt", Answer: "ERA", Clue: "Long time"}}))
	idx, err := h.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())
}

func TestArchiveLoadPuzzlesCorruptMetadata(t *testing.T) {
	ctx := context.Background()
	a := openTestArchive(t)

	p, err := ParseRectangularPuzzle([]byte(sampleDoc), sampleInfo(t))
	require.NoError(t, err)
	require.NoError(t, a.SavePuzzle(ctx, p))

	_, err = a.db.ExecContext(ctx, `UPDATE puzzles SET metadata = 'not json'`)
	require.NoError(t, err)

	_, err = a.LoadPuzzles(ctx)
	require.Error(t, err)
	assert.ErrorContains(t, err, "decode metadata")
	assert.ErrorContains(t, err, p.ID)
}
