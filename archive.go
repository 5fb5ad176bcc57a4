package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Archive is the SQLite-backed corpus of previously published puzzles:
// their clue/answer records, grids, and similar-grid neighbor lists.
type Archive struct {
	db *sqlx.DB
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS clues (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	xdid   TEXT NOT NULL DEFAULT '',
	pubid  TEXT NOT NULL,
	date   TEXT,
	answer TEXT NOT NULL,
	clue   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS clues_xdid ON clues (xdid);

CREATE TABLE IF NOT EXISTS puzzles (
	xdid     TEXT PRIMARY KEY,
	pubid    TEXT NOT NULL,
	date     TEXT,
	n_rows   INTEGER NOT NULL,
	n_cols   INTEGER NOT NULL,
	grid     TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '[]',
	clues    TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS similar (
	xdid     TEXT NOT NULL,
	neighbor TEXT NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY (xdid, neighbor)
);
`

type clueRow struct {
	XDID   string         `db:"xdid"`
	PubID  string         `db:"pubid"`
	Date   sql.NullString `db:"date"`
	Answer string         `db:"answer"`
	Clue   string         `db:"clue"`
}

type puzzleRow struct {
	XDID     string         `db:"xdid"`
	PubID    string         `db:"pubid"`
	Date     sql.NullString `db:"date"`
	Rows     int            `db:"n_rows"`
	Cols     int            `db:"n_cols"`
	Grid     string         `db:"grid"`
	Metadata string         `db:"metadata"`
	Clues    string         `db:"clues"`
}

type neighborRow struct {
	XDID     string `db:"xdid"`
	Neighbor string `db:"neighbor"`
}

// OpenArchive opens (creating if needed) the archive database at path.
func OpenArchive(path string) (*Archive, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, upstreamError("open archive", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, upstreamError("create archive schema", err)
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

func nullableDate(d time.Time) sql.NullString {
	if d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Format(DateLayout), Valid: true}
}

const insertClue = `INSERT INTO clues (xdid, pubid, date, answer, clue) VALUES (:xdid, :pubid, :date, :answer, :clue)`

// AddClues appends raw clue/answer records that belong to no stored puzzle.
func (a *Archive) AddClues(ctx context.Context, records []ClueAnswer) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return upstreamError("begin", err)
	}
	defer tx.Rollback()

	if err := insertClues(ctx, tx, "", records); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return upstreamError("commit clues", err)
	}
	return nil
}

func insertClues(ctx context.Context, tx *sqlx.Tx, xdid string, records []ClueAnswer) error {
	stmt, err := tx.PrepareNamedContext(ctx, insertClue)
	if err != nil {
		return upstreamError("prepare clue insert", err)
	}
	defer stmt.Close()

	for _, r := range records {
		row := clueRow{XDID: xdid, PubID: r.PublicationID, Date: nullableDate(r.Date), Answer: r.Answer, Clue: r.Clue}
		if _, err := stmt.ExecContext(ctx, row); err != nil {
			return upstreamError("insert clue", err)
		}
	}
	return nil
}

// SavePuzzle stores p's grid and replaces its clue/answer records.
func (a *Archive) SavePuzzle(ctx context.Context, p *Puzzle) error {
	grid, err := json.Marshal(p.Grid)
	if err != nil {
		return fmt.Errorf("encode grid: %w", err)
	}
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	clues, err := json.Marshal(p.Clues)
	if err != nil {
		return fmt.Errorf("encode clues: %w", err)
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return upstreamError("begin", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `INSERT OR REPLACE INTO puzzles (xdid, pubid, date, n_rows, n_cols, grid, metadata, clues)
		VALUES (:xdid, :pubid, :date, :n_rows, :n_cols, :grid, :metadata, :clues)`,
		puzzleRow{
			XDID:     p.ID,
			PubID:    p.PublicationID,
			Date:     nullableDate(p.Date),
			Rows:     p.Rows,
			Cols:     p.Cols,
			Grid:     string(grid),
			Metadata: string(metadata),
			Clues:    string(clues),
		})
	if err != nil {
		return upstreamError("save puzzle "+p.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM clues WHERE xdid = ?`, p.ID); err != nil {
		return upstreamError("replace clues of "+p.ID, err)
	}

	records := make([]ClueAnswer, 0, len(p.Clues))
	for _, c := range p.Clues {
		records = append(records, ClueAnswer{PublicationID: p.PublicationID, Date: p.Date, Answer: c.Solution, Clue: c.Text})
	}
	if err := insertClues(ctx, tx, p.ID, records); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return upstreamError("commit puzzle "+p.ID, err)
	}
	return nil
}

// SetNeighbors replaces the similar-grid candidates of xdid.
func (a *Archive) SetNeighbors(ctx context.Context, xdid string, neighbors []string) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return upstreamError("begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM similar WHERE xdid = ?`, xdid); err != nil {
		return upstreamError("clear neighbors", err)
	}
	for i, n := range neighbors {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO similar (xdid, neighbor, position) VALUES (?, ?, ?)`, xdid, n, i); err != nil {
			return upstreamError("insert neighbor", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return upstreamError("commit neighbors", err)
	}
	return nil
}

// LoadClues returns every clue/answer record in insertion order.
func (a *Archive) LoadClues(ctx context.Context) ([]ClueAnswer, error) {
	var rows []clueRow
	if err := a.db.SelectContext(ctx, &rows, `SELECT xdid, pubid, date, answer, clue FROM clues ORDER BY id`); err != nil {
		return nil, upstreamError("load clues", err)
	}
	records := make([]ClueAnswer, 0, len(rows))
	for _, r := range rows {
		date, err := ParseDate(r.Date.String)
		if err != nil {
			return nil, fmt.Errorf("clue %q of %s: %w", r.Clue, r.PubID, err)
		}
		records = append(records, ClueAnswer{PublicationID: r.PubID, Date: date, Answer: r.Answer, Clue: r.Clue})
	}
	return records, nil
}

// LoadPuzzles returns every stored puzzle.
func (a *Archive) LoadPuzzles(ctx context.Context) ([]*Puzzle, error) {
	var rows []puzzleRow
	if err := a.db.SelectContext(ctx, &rows, `SELECT xdid, pubid, date, n_rows, n_cols, grid, metadata, clues FROM puzzles ORDER BY xdid`); err != nil {
		return nil, upstreamError("load puzzles", err)
	}
	puzzles := make([]*Puzzle, 0, len(rows))
	for _, r := range rows {
		date, err := ParseDate(r.Date.String)
		if err != nil {
			return nil, fmt.Errorf("puzzle %s: %w", r.XDID, err)
		}
		p := &Puzzle{
			PuzzleInfo: PuzzleInfo{ID: r.XDID, PublicationID: r.PubID, Date: date},
			Rows:       r.Rows,
			Cols:       r.Cols,
		}
		if err := json.Unmarshal([]byte(r.Grid), &p.Grid); err != nil {
			return nil, fmt.Errorf("puzzle %s: decode grid: %w", r.XDID, err)
		}
		if err := json.Unmarshal([]byte(r.Metadata), &p.Metadata); err != nil {
			return nil, fmt.Errorf("puzzle %s: decode metadata: %w", r.XDID, err)
		}
		if err := json.Unmarshal([]byte(r.Clues), &p.Clues); err != nil {
			return nil, fmt.Errorf("puzzle %s: decode clues: %w", r.XDID, err)
		}
		puzzles = append(puzzles, p)
	}
	return puzzles, nil
}

// LoadNeighbors returns the similar-grid candidates of every puzzle.
func (a *Archive) LoadNeighbors(ctx context.Context) (NeighborIndex, error) {
	var rows []neighborRow
	if err := a.db.SelectContext(ctx, &rows, `SELECT xdid, neighbor FROM similar ORDER BY xdid, position`); err != nil {
		return nil, upstreamError("load neighbors", err)
	}
	idx := make(NeighborIndex)
	for _, r := range rows {
		idx[r.XDID] = append(idx[r.XDID], r.Neighbor)
	}
	return idx, nil
}

// LoadInto loads every archived puzzle into store and returns the neighbor index.
func (a *Archive) LoadInto(ctx context.Context, store *Store) (NeighborIndex, error) {
	puzzles, err := a.LoadPuzzles(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range puzzles {
		if err := store.SavePuzzle(p); err != nil {
			return nil, err
		}
	}
	return a.LoadNeighbors(ctx)
}
