package main

import (
	"fmt"
	"strings"
	"time"
)

// BlockCell marks a non-playable cell in a puzzle grid.
const BlockCell = "#"

// DateLayout is the publication date format used in puzzle identifiers and the archive.
const DateLayout = "2006-01-02"

// Direction is the orientation of a clue.
type Direction int

const (
	Across Direction = iota + 1
	Down
)

// directionLabels is the closed vocabulary accepted for clue group titles.
var directionLabels = map[string]Direction{
	"ACROSS": Across,
	"DOWN":   Down,
	"A":      Across,
	"D":      Down,
}

// ParseDirection maps a clue group label to a Direction, case-insensitively.
func ParseDirection(label string) (Direction, error) {
	d, ok := directionLabels[strings.ToUpper(strings.TrimSpace(label))]
	if !ok {
		return 0, &FormatError{Element: "clues", Msg: fmt.Sprintf("unrecognized direction label %q", label)}
	}
	return d, nil
}

func (d Direction) String() string {
	switch d {
	case Across:
		return "across"
	case Down:
		return "down"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Letter is the single-letter form used in clue positions ("A1", "D12").
func (d Direction) Letter() string {
	if d == Down {
		return "D"
	}
	return "A"
}

func (d Direction) MarshalText() ([]byte, error) {
	if d != Across && d != Down {
		return nil, fmt.Errorf("invalid direction %d", int(d))
	}
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	v, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Clue is one numbered entry of a puzzle.
type Clue struct {
	Number    int       `json:"number"`
	Direction Direction `json:"direction"`
	Text      string    `json:"text"`
	Solution  string    `json:"solution"`
}

// Position is the clue label, e.g. "A1".
func (c Clue) Position() string {
	return fmt.Sprintf("%s%d", c.Direction.Letter(), c.Number)
}

// PuzzleInfo identifies a puzzle independently of its content.
type PuzzleInfo struct {
	ID            string    `json:"id"`
	PublicationID string    `json:"publication_id"`
	Date          time.Time `json:"date,omitzero"`
}

// XDID builds the canonical puzzle identifier, e.g. "lat2020-01-02".
// Undated puzzles are identified by their publication alone.
func XDID(publicationID string, date time.Time) string {
	if date.IsZero() {
		return publicationID
	}
	return publicationID + date.Format(DateLayout)
}

// ParseDate parses a DateLayout date. The empty string is the unknown date.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// Puzzle is the canonical, provider-independent crossword.
// It is never mutated once a parser has returned it.
type Puzzle struct {
	PuzzleInfo
	Rows     int        `json:"rows"`
	Cols     int        `json:"cols"`
	Grid     [][]string `json:"grid"`
	Metadata []string   `json:"metadata,omitempty"`
	Clues    []Clue     `json:"clues"`
}

// newPuzzle allocates an empty rows x cols grid.
func newPuzzle(info PuzzleInfo, rows, cols int) *Puzzle {
	if info.ID == "" {
		info.ID = XDID(info.PublicationID, info.Date)
	}
	grid := make([][]string, rows)
	for i := range grid {
		grid[i] = make([]string, cols)
	}
	return &Puzzle{PuzzleInfo: info, Rows: rows, Cols: cols, Grid: grid}
}

// Cell returns the value at (row, col), or "" when out of bounds.
func (p *Puzzle) Cell(row, col int) string {
	if row < 0 || row >= len(p.Grid) || col < 0 || col >= len(p.Grid[row]) {
		return ""
	}
	return p.Grid[row][col]
}

// Year returns the publication year, or 0 for undated puzzles.
func (p *Puzzle) Year() int {
	if p.Date.IsZero() {
		return 0
	}
	return p.Date.Year()
}

func (p *Puzzle) isOpen(row, col int) bool {
	v := p.Cell(row, col)
	return v != "" && v != BlockCell
}

// Validate checks the grid shape and clue invariants.
func (p *Puzzle) Validate() error {
	if err := p.ValidateGrid(); err != nil {
		return err
	}
	for _, cl := range p.Clues {
		if err := cl.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateGrid checks dimensions, row lengths and that every cell holds a value.
func (p *Puzzle) ValidateGrid() error {
	if p.Rows <= 0 || p.Cols <= 0 {
		return &FormatError{Element: "grid", Msg: fmt.Sprintf("invalid dimensions %dx%d", p.Rows, p.Cols)}
	}
	if len(p.Grid) != p.Rows {
		return &FormatError{Element: "grid", Msg: fmt.Sprintf("expected %d rows, got %d", p.Rows, len(p.Grid))}
	}
	for r, row := range p.Grid {
		if len(row) != p.Cols {
			return &FormatError{Element: "grid", Msg: fmt.Sprintf("row %d: expected %d cells, got %d", r+1, p.Cols, len(row))}
		}
		for c, v := range row {
			if v == "" {
				return &FormatError{Element: "cell", Msg: fmt.Sprintf("no value at x=%d y=%d", c+1, r+1)}
			}
		}
	}
	return nil
}

// Validate checks a single clue against the grid conventions.
func (c Clue) Validate() error {
	if c.Number <= 0 {
		return &DataIntegrityError{Ref: c.Position(), Msg: "clue number must be positive"}
	}
	if strings.Contains(c.Solution, BlockCell) {
		return &DataIntegrityError{Ref: c.Position(), Msg: "solution crosses a block"}
	}
	return nil
}

// Numbering returns the standard grid numbering: the number of every cell
// that starts an across or down word, keyed by [row][col] (0 = unnumbered).
func (p *Puzzle) Numbering() [][]int {
	nums := make([][]int, p.Rows)
	n := 0
	for r := 0; r < p.Rows; r++ {
		nums[r] = make([]int, p.Cols)
		for c := 0; c < p.Cols; c++ {
			if !p.isOpen(r, c) {
				continue
			}
			startsAcross := !p.isOpen(r, c-1) && p.isOpen(r, c+1)
			startsDown := !p.isOpen(r-1, c) && p.isOpen(r+1, c)
			if startsAcross || startsDown {
				n++
				nums[r][c] = n
			}
		}
	}
	return nums
}

// WordAt returns the solution of the word labelled number in direction d.
func (p *Puzzle) WordAt(number int, d Direction) (string, bool) {
	nums := p.Numbering()
	for r, row := range nums {
		for c, n := range row {
			if n != number {
				continue
			}
			dr, dc := 0, 1
			if d == Down {
				dr, dc = 1, 0
			}
			if p.isOpen(r-dr, c-dc) || !p.isOpen(r+dr, c+dc) {
				return "", false
			}
			var b strings.Builder
			for rr, cc := r, c; p.isOpen(rr, cc); rr, cc = rr+dr, cc+dc {
				b.WriteString(p.Grid[rr][cc])
			}
			return b.String(), true
		}
	}
	return "", false
}
