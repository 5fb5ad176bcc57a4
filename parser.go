package main

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Documents in the "rectangular-puzzle" format (http://crossword.info/xml/rectangular-puzzle),
// as published by the LA Times. Element names are matched by local name only.

type xmlRectangularPuzzle struct {
	Metadata  xmlMetadata   `xml:"metadata"`
	Crossword *xmlCrossword `xml:"crossword"`
}

type xmlMetadata struct {
	Fields []xmlMetaField `xml:",any"`
}

type xmlMetaField struct {
	XMLName xml.Name
	Text    string `xml:",chardata"`
}

type xmlCrossword struct {
	Grid  *xmlGrid   `xml:"grid"`
	Words []xmlWord  `xml:"word"`
	Clues []xmlClues `xml:"clues"`
}

type xmlGrid struct {
	Width  string    `xml:"width,attr"`
	Height string    `xml:"height,attr"`
	Cells  []xmlCell `xml:"cell"`
}

type xmlCell struct {
	X        string  `xml:"x,attr"`
	Y        string  `xml:"y,attr"`
	Solution *string `xml:"solution,attr"`
	Type     string  `xml:"type,attr"`
}

type xmlWord struct {
	ID string `xml:"id,attr"`
	X  string `xml:"x,attr"`
	Y  string `xml:"y,attr"`
}

type xmlClues struct {
	Title xmlTitle  `xml:"title"`
	Clues []xmlClue `xml:"clue"`
}

type xmlTitle struct {
	Inner string `xml:",innerxml"`
}

type xmlClue struct {
	Word   string `xml:"word,attr"`
	Number string `xml:"number,attr"`
	Inner  string `xml:",innerxml"`
}

var markupRe = regexp.MustCompile(`<[^>]*>`)

// innerText strips markup from raw element content and decodes entities.
func innerText(inner string) string {
	s := markupRe.ReplaceAllString(inner, "")
	return strings.TrimSpace(html.UnescapeString(s))
}

// wordAddress is a 1-based (x, y) address as written in the document:
// each axis is a single coordinate or an inclusive "start-end" range.
type wordAddress struct {
	X, Y string
}

// ParseRectangularPuzzle converts a rectangular-puzzle XML document into a Puzzle.
func ParseRectangularPuzzle(doc []byte, info PuzzleInfo) (*Puzzle, error) {
	root, err := decodeRectangularPuzzle(doc)
	if err != nil {
		return nil, err
	}
	cw := root.Crossword
	if cw == nil || cw.Grid == nil {
		return nil, &FormatError{Element: "grid", Msg: "missing crossword grid"}
	}

	rows, err := parseDimension(cw.Grid.Height, "height")
	if err != nil {
		return nil, err
	}
	cols, err := parseDimension(cw.Grid.Width, "width")
	if err != nil {
		return nil, err
	}

	p := newPuzzle(info, rows, cols)
	titleCaser := cases.Title(language.Und)
	for _, f := range root.Metadata.Fields {
		text := strings.TrimSpace(f.Text)
		if text == "" {
			continue
		}
		p.Metadata = append(p.Metadata, titleCaser.String(f.XMLName.Local)+": "+text)
	}

	if err := fillGrid(p, cw.Grid.Cells); err != nil {
		return nil, err
	}

	words := make(map[string]wordAddress, len(cw.Words))
	for _, w := range cw.Words {
		if _, dup := words[w.ID]; dup {
			return nil, &DataIntegrityError{Ref: "word " + w.ID, Msg: "duplicate word id"}
		}
		words[w.ID] = wordAddress{X: w.X, Y: w.Y}
	}

	for _, group := range cw.Clues {
		dir, err := ParseDirection(innerText(group.Title.Inner))
		if err != nil {
			return nil, err
		}
		for _, c := range group.Clues {
			number, err := strconv.Atoi(strings.TrimSpace(c.Number))
			if err != nil || number <= 0 {
				return nil, &FormatError{Element: "clue", Msg: fmt.Sprintf("invalid clue number %q", c.Number)}
			}
			addr, ok := words[c.Word]
			if !ok {
				return nil, &DataIntegrityError{Ref: fmt.Sprintf("%s%d", dir.Letter(), number), Msg: fmt.Sprintf("undefined word id %q", c.Word)}
			}
			cells, err := extractRun(p, addr, "word "+c.Word)
			if err != nil {
				return nil, err
			}
			p.Clues = append(p.Clues, Clue{
				Number:    number,
				Direction: dir,
				Text:      innerText(c.Inner),
				Solution:  strings.Join(cells, ""),
			})
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// decodeRectangularPuzzle locates the rectangular-puzzle element, which may be
// the document root or wrapped in a crossword-compiler envelope.
func decodeRectangularPuzzle(doc []byte) (*xmlRectangularPuzzle, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil, &FormatError{Element: "rectangular-puzzle", Msg: "element not found"}
		}
		if err != nil {
			return nil, &FormatError{Element: "document", Msg: err.Error()}
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "rectangular-puzzle" {
			continue
		}
		var root xmlRectangularPuzzle
		if err := dec.DecodeElement(&root, &start); err != nil {
			return nil, &FormatError{Element: "rectangular-puzzle", Msg: err.Error()}
		}
		return &root, nil
	}
}

func parseDimension(s, attr string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 0, &FormatError{Element: "grid", Msg: fmt.Sprintf("invalid %s %q", attr, s)}
	}
	return n, nil
}

// fillGrid places every cell, translating 1-based coordinates to 0-based.
func fillGrid(p *Puzzle, cells []xmlCell) error {
	for _, cell := range cells {
		x, errX := strconv.Atoi(strings.TrimSpace(cell.X))
		y, errY := strconv.Atoi(strings.TrimSpace(cell.Y))
		if errX != nil || errY != nil || x < 1 || x > p.Cols || y < 1 || y > p.Rows {
			return &FormatError{Element: "cell", Msg: fmt.Sprintf("invalid coordinates x=%q y=%q", cell.X, cell.Y)}
		}
		isBlock := cell.Type == "block" || cell.Type == "void"
		hasSolution := cell.Solution != nil && *cell.Solution != ""
		switch {
		case isBlock && hasSolution:
			return &FormatError{Element: "cell", Msg: fmt.Sprintf("x=%d y=%d is both a block and a solution", x, y)}
		case isBlock:
			p.Grid[y-1][x-1] = BlockCell
		case hasSolution:
			p.Grid[y-1][x-1] = *cell.Solution
		default:
			return &FormatError{Element: "cell", Msg: fmt.Sprintf("x=%d y=%d has neither a solution nor a block", x, y)}
		}
	}
	return nil
}

// axisSpan is a 0-based inclusive coordinate range.
type axisSpan struct {
	start, end int
	ranged     bool
}

func parseAxis(s string, limit int, ref string) (axisSpan, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return axisSpan{}, &DataIntegrityError{Ref: ref, Msg: "missing coordinate"}
	}
	startStr, endStr, ranged := strings.Cut(s, "-")
	if !ranged {
		endStr = startStr
	}
	start, errStart := strconv.Atoi(strings.TrimSpace(startStr))
	end, errEnd := strconv.Atoi(strings.TrimSpace(endStr))
	if errStart != nil || errEnd != nil {
		return axisSpan{}, &DataIntegrityError{Ref: ref, Msg: fmt.Sprintf("malformed coordinate %q", s)}
	}
	if start < 1 || end > limit || start > end {
		return axisSpan{}, &DataIntegrityError{Ref: ref, Msg: fmt.Sprintf("coordinate %q outside 1..%d", s, limit)}
	}
	return axisSpan{start: start - 1, end: end - 1, ranged: ranged}, nil
}

// extractRun returns the cell values a word address covers, in reading order.
func extractRun(p *Puzzle, addr wordAddress, ref string) ([]string, error) {
	xs, err := parseAxis(addr.X, p.Cols, ref)
	if err != nil {
		return nil, err
	}
	ys, err := parseAxis(addr.Y, p.Rows, ref)
	if err != nil {
		return nil, err
	}
	if xs.ranged && ys.ranged {
		return nil, &DataIntegrityError{Ref: ref, Msg: fmt.Sprintf("range spans both axes (x=%q y=%q)", addr.X, addr.Y)}
	}

	cells := make([]string, 0, (xs.end-xs.start+1)*(ys.end-ys.start+1))
	for y := ys.start; y <= ys.end; y++ {
		for x := xs.start; x <= xs.end; x++ {
			v := p.Grid[y][x]
			if v == BlockCell {
				return nil, &DataIntegrityError{Ref: ref, Msg: fmt.Sprintf("word crosses a block at x=%d y=%d", x+1, y+1)}
			}
			cells = append(cells, v)
		}
	}
	return cells, nil
}
