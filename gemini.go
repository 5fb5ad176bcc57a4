package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"
)

const extractPrompt = `Read this photo of a solved American-style crossword.

Return the complete puzzle as JSON:
{
  "rows": <number of rows>,
  "cols": <number of columns>,
  "grid": [["A", "B", "#", ...], ...],
  "clues": [{"number": 1, "direction": "across", "text": "Clue text"}, ...]
}

Rules:
- "grid" has exactly "rows" rows of "cols" cells, top to bottom, left to right.
- A black square is "#". Every other cell holds its solution letters in uppercase (several letters for a rebus square).
- "direction" is "across" or "down". Copy each clue text exactly as printed, without its number.
- Reply with the JSON ONLY, no commentary and no markdown.`

// extractedPuzzle is the JSON shape requested from the model.
type extractedPuzzle struct {
	Rows  int        `json:"rows"`
	Cols  int        `json:"cols"`
	Grid  [][]string `json:"grid"`
	Clues []struct {
		Number    int    `json:"number"`
		Direction string `json:"direction"`
		Text      string `json:"text"`
	} `json:"clues"`
}

var extractSchema = &genai.Schema{
	Type:     genai.TypeObject,
	Required: []string{"rows", "cols", "grid", "clues"},
	Properties: map[string]*genai.Schema{
		"rows": {Type: genai.TypeInteger},
		"cols": {Type: genai.TypeInteger},
		"grid": {
			Type:  genai.TypeArray,
			Items: &genai.Schema{Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		},
		"clues": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type:     genai.TypeObject,
				Required: []string{"number", "direction", "text"},
				Properties: map[string]*genai.Schema{
					"number":    {Type: genai.TypeInteger},
					"direction": {Type: genai.TypeString, Enum: []string{"across", "down"}},
					"text":      {Type: genai.TypeString},
				},
			},
		},
	},
}

// ExtractPuzzle sends a grid photo to Gemini and returns the canonical puzzle.
// Clue solutions are read off the grid through standard numbering.
func (g *GeminiClient) ExtractPuzzle(ctx context.Context, imageData []byte, mimeType string, info PuzzleInfo) (*Puzzle, error) {
	ctx, span := tracer.Start(ctx, "GeminiClient.ExtractPuzzle", trace.WithAttributes(
		attribute.String("gemini.model", g.modelName),
		attribute.Int("image.bytes", len(imageData)),
	))
	defer span.End()

	resp, err := g.client.Models.GenerateContent(ctx, g.modelName,
		[]*genai.Content{{
			Role: "user",
			Parts: []*genai.Part{
				{Text: extractPrompt},
				{InlineData: &genai.Blob{MIMEType: mimeType, Data: imageData}},
			},
		}},
		&genai.GenerateContentConfig{
			Temperature:      genai.Ptr(float32(0.1)),
			TopP:             genai.Ptr(float32(1)),
			ResponseMIMEType: "application/json",
			ResponseSchema:   extractSchema,
		},
	)
	if err != nil {
		span.RecordError(err)
		return nil, upstreamError("gemini generate", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("gemini: %w: empty response", ErrUpstreamUnavailable)
	}

	var ext extractedPuzzle
	if err := json.Unmarshal([]byte(text), &ext); err != nil {
		return nil, &FormatError{Element: "gemini response", Msg: fmt.Sprintf("%v (raw: %.200s)", err, text)}
	}
	return puzzleFromExtraction(ext, info)
}

// puzzleFromExtraction validates the model output and derives clue solutions.
func puzzleFromExtraction(ext extractedPuzzle, info PuzzleInfo) (*Puzzle, error) {
	if ext.Rows <= 0 || ext.Cols <= 0 || len(ext.Grid) != ext.Rows {
		return nil, &FormatError{Element: "grid", Msg: fmt.Sprintf("invalid grid: %dx%d with %d rows", ext.Rows, ext.Cols, len(ext.Grid))}
	}

	p := newPuzzle(info, ext.Rows, ext.Cols)
	for r, row := range ext.Grid {
		if len(row) != ext.Cols {
			return nil, &FormatError{Element: "grid", Msg: fmt.Sprintf("row %d has %d cells, want %d", r+1, len(row), ext.Cols)}
		}
		for c, v := range row {
			v = strings.ToUpper(strings.TrimSpace(v))
			if v == "" || v == "." {
				v = BlockCell
			}
			p.Grid[r][c] = v
		}
	}

	for _, ec := range ext.Clues {
		dir, err := ParseDirection(ec.Direction)
		if err != nil {
			return nil, err
		}
		ref := fmt.Sprintf("%s%d", dir.Letter(), ec.Number)
		solution, ok := p.WordAt(ec.Number, dir)
		if !ok {
			return nil, &DataIntegrityError{Ref: ref, Msg: "no such word in the grid"}
		}
		p.Clues = append(p.Clues, Clue{
			Number:    ec.Number,
			Direction: dir,
			Text:      strings.TrimSpace(ec.Text),
			Solution:  solution,
		})
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
