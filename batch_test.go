package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfoFromFilename(t *testing.T) {
	info := InfoFromFilename("/data/lat/2020/la200102.xml")
	assert.Equal(t, "la", info.PublicationID)
	assert.Equal(t, mustDate(t, "2020-01-02"), info.Date)

	info = InfoFromFilename("notes.xml")
	assert.Equal(t, "notes", info.PublicationID)
	assert.True(t, info.Date.IsZero())

	info = InfoFromFilename("la201399.xml")
	assert.Equal(t, "la", info.PublicationID)
	assert.True(t, info.Date.IsZero(), "impossible dates are left unknown")
}

func TestFileInput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "la200102.xml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDoc), 0o644))

	in := FileInput(path, InfoFromFilename(path))
	assert.Equal(t, "la200102.xml", in.Name)
	doc, err := in.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sampleDoc, string(doc))

	_, err = FileInput(filepath.Join(dir, "missing.xml"), PuzzleInfo{}).Load(context.Background())
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestBatchRunnerOutcomes(t *testing.T) {
	store := NewStore()
	corpus := BuildCorpusIndex([]ClueAnswer{
		{PublicationID: "nyt", Date: mustDate(t, "2019-01-01"), Answer: "COW", Clue: "Dairy animal"},
	})
	runner := NewBatchRunner(NewAnalyzer(corpus, store, nil, DefaultAnalyzerOptions(), testLogger()), store, testLogger())

	var seen []Outcome
	runner.OnResult = func(res BatchResult) { seen = append(seen, res.Outcome) }

	broken := strings.Replace(sampleDoc, `<clue word="4"`, `<clue word="9"`, 1)
	inputs := []Input{
		InlineInput("empty", sampleInfo(t), nil),
		InlineInput("broken", sampleInfo(t), []byte(broken)),
		{Name: "offline", Load: func(context.Context) ([]byte, error) {
			return nil, upstreamError("fetch", errors.New("connection refused"))
		}},
		{Name: "no loader"},
		InlineInput("good", sampleInfo(t), []byte(sampleDoc)),
	}

	b := newBatch(len(inputs))
	runner.Run(context.Background(), b, inputs)

	assert.Equal(t, []Outcome{
		OutcomeFormatError,
		OutcomeIntegrityError,
		OutcomeUpstreamUnavailable,
		OutcomeFailed,
		OutcomeAnalyzed,
	}, seen, "a failing input never stops the batch")

	snap := b.Snapshot()
	assert.Equal(t, BatchDone, snap.Status)
	assert.Equal(t, 5, snap.Done)
	for _, res := range snap.Results[:4] {
		assert.NotEmpty(t, res.Error, res.Name)
		assert.Nil(t, res.Summary, res.Name)
	}

	good := snap.Results[4]
	assert.Equal(t, "lat2020-01-02", good.PuzzleID)
	require.NotNil(t, good.Summary)
	assert.Equal(t, 1, good.Summary.StaleClueCount)
	assert.Equal(t, 4, good.Summary.TotalClueCount)

	assert.NotNil(t, store.GetPuzzle("lat2020-01-02"))
	assert.NotNil(t, store.GetReport("lat2020-01-02"))
}

func TestBatchRunnerOnFinishBeforeDone(t *testing.T) {
	runner := NewBatchRunner(NewAnalyzer(nil, nil, nil, DefaultAnalyzerOptions(), testLogger()), nil, testLogger())

	b := newBatch(1)
	var final BatchSnapshot
	doneOpen := false
	runner.OnFinish = func(snap BatchSnapshot) {
		final = snap
		select {
		case <-b.Done():
		default:
			doneOpen = true
		}
	}
	runner.Run(context.Background(), b, []Input{InlineInput("good", sampleInfo(t), []byte(sampleDoc))})

	assert.True(t, doneOpen, "OnFinish must run before Done is closed")
	assert.Equal(t, BatchDone, final.Status)
	assert.Equal(t, 1, final.Done)

	select {
	case <-b.Done():
	default:
		t.Fatal("Done should be closed once Run returns")
	}
	b.Finish() // second call is a no-op
}

func TestBatchRunnerWithoutStore(t *testing.T) {
	runner := NewBatchRunner(NewAnalyzer(nil, nil, nil, DefaultAnalyzerOptions(), testLogger()), nil, testLogger())
	report, res := runner.Process(context.Background(), InlineInput("good", sampleInfo(t), []byte(sampleDoc)))
	require.NotNil(t, report)
	assert.Equal(t, OutcomeAnalyzed, res.Outcome)
	assert.Equal(t, report.PuzzleID, res.PuzzleID)
}

func TestOutcomeStatus(t *testing.T) {
	assert.Equal(t, 200, statusForError(nil))
	assert.Equal(t, 422, statusForError(&FormatError{Element: "grid", Msg: "x"}))
	assert.Equal(t, 422, statusForError(&DataIntegrityError{Ref: "A1", Msg: "x"}))
	assert.Equal(t, 503, statusForError(upstreamError("read", errors.New("x"))))
	assert.Equal(t, 500, statusForError(errors.New("x")))
}
