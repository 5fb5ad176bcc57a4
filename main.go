package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand needs once configuration is loaded.
type app struct {
	v          *viper.Viper
	configFile string
	cfg        *Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:          "xdanalysis",
		Short:        "Crossword clue reuse and grid similarity analysis",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(a.v, a.configFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = cfg.NewLogger(cmd.ErrOrStderr())
			slog.SetDefault(a.logger)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (default ./xdanalysis.yaml)")
	pf.String("archive", "", "archive database path")
	pf.String("log-level", "", "debug, info, warn or error")
	pf.String("log-format", "", "text or json")
	pf.Int("similarity-floor", DefaultSimilarityFloor, "minimum grid similarity (%) reported")
	_ = a.v.BindPFlag("archive_path", pf.Lookup("archive"))
	_ = a.v.BindPFlag("log_level", pf.Lookup("log-level"))
	_ = a.v.BindPFlag("log_format", pf.Lookup("log-format"))
	_ = a.v.BindPFlag("similarity_floor", pf.Lookup("similarity-floor"))

	root.AddCommand(a.serveCmd(), a.analyzeCmd(), a.ingestCmd())
	return root
}

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the analysis HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cfg, logger := a.cfg, a.logger

			archive, err := OpenArchive(cfg.ArchivePath)
			if err != nil {
				return err
			}
			defer archive.Close()

			store := NewStore()
			neighbors, err := archive.LoadInto(ctx, store)
			if err != nil {
				return err
			}
			corpus := NewCorpusHolder(archive, nil, logger)
			if _, err := corpus.Reload(ctx); err != nil {
				return err
			}

			var gemini *GeminiClient
			if cfg.GCPProjectID != "" {
				gemini, err = NewGeminiClient(ctx, GeminiConfig{
					ProjectID: cfg.GCPProjectID,
					Region:    cfg.GCPRegion,
					Model:     cfg.GeminiModel,
				})
				if err != nil {
					return fmt.Errorf("impossible d'initialiser Gemini : %w", err)
				}
				defer gemini.Close()
				logger.Info("Client Gemini initialisé", "project", cfg.GCPProjectID, "model", gemini.Model())
			} else {
				logger.Info("GCP_PROJECT_ID non défini, analyse d'image désactivée")
			}

			srv := NewServer(store, corpus, gemini, cfg.AnalyzerOptions(), logger)
			defer srv.Close()
			srv.UseArchive(archive, neighbors)

			httpSrv := &http.Server{
				Addr:              ":" + cfg.Port,
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = httpSrv.Shutdown(shutdownCtx)
			}()

			logger.Info("Serveur démarré", "url", "http://localhost:"+cfg.Port)
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("port", "", "listen port")
	_ = a.v.BindPFlag("port", cmd.Flags().Lookup("port"))
	return cmd
}

// summaryRow is the one-line outcome printed per analyzed puzzle.
type summaryRow struct {
	XDID           string  `json:"xdid"`
	Outcome        Outcome `json:"outcome"`
	SimilarGridPct int     `json:"similar_grid_pct"`
	ReusedClues    int     `json:"reused_clues"`
	ReusedAnswers  int     `json:"reused_answers"`
	TotalClues     int     `json:"total_clues"`
	Error          string  `json:"error,omitempty"`
}

func (a *app) analyzeCmd() *cobra.Command {
	var publication, date string
	var full bool

	cmd := &cobra.Command{
		Use:   "analyze <puzzle.xml>...",
		Short: "Analyze puzzle documents against the archive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			archive, err := OpenArchive(a.cfg.ArchivePath)
			if err != nil {
				return err
			}
			defer archive.Close()

			store := NewStore()
			neighbors, err := archive.LoadInto(ctx, store)
			if err != nil {
				return err
			}
			records, err := archive.LoadClues(ctx)
			if err != nil {
				return err
			}
			corpus := BuildCorpusIndex(records)
			corpusRecords.Set(float64(corpus.Len()))
			a.logger.Info("corpus loaded", "records", corpus.Len(), "puzzles", len(store.ListPuzzles()))

			inputs, err := fileInputs(args, publication, date)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			runner := NewBatchRunner(NewAnalyzer(corpus, store, neighbors, a.cfg.AnalyzerOptions(), a.logger), store, a.logger)
			runner.OnResult = func(res BatchResult) {
				if full && res.Outcome == OutcomeAnalyzed {
					_ = enc.Encode(store.GetReport(res.PuzzleID))
					return
				}
				row := summaryRow{XDID: res.PuzzleID, Outcome: res.Outcome, Error: res.Error}
				if row.XDID == "" {
					row.XDID = res.Name
				}
				if s := res.Summary; s != nil {
					row.SimilarGridPct = s.SimilarityPercent
					row.ReusedClues = s.StaleClueCount
					row.ReusedAnswers = s.StaleAnswerCount
					row.TotalClues = s.TotalClueCount
				}
				_ = enc.Encode(row)
			}

			batch := newBatch(len(inputs))
			runner.Run(ctx, batch, inputs)

			failed := 0
			for _, res := range batch.Snapshot().Results {
				if res.Outcome != OutcomeAnalyzed {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d puzzles could not be analyzed", failed, len(inputs))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&publication, "publication", "", "publication id (default: derived from file name)")
	cmd.Flags().StringVar(&date, "date", "", "publication date YYYY-MM-DD (default: derived from file name)")
	cmd.Flags().BoolVar(&full, "full", false, "print full reports instead of summary rows")
	return cmd
}

func (a *app) ingestCmd() *cobra.Command {
	var publication, date string
	var neighbors []string

	cmd := &cobra.Command{
		Use:   "ingest <puzzle.xml>...",
		Short: "Add puzzle documents to the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			archive, err := OpenArchive(a.cfg.ArchivePath)
			if err != nil {
				return err
			}
			defer archive.Close()

			inputs, err := fileInputs(args, publication, date)
			if err != nil {
				return err
			}

			failed := 0
			for _, in := range inputs {
				doc, err := in.Load(ctx)
				if err == nil {
					var p *Puzzle
					if p, err = ParseRectangularPuzzle(doc, in.Info); err == nil {
						err = archive.SavePuzzle(ctx, p)
					}
				}
				if err != nil {
					failed++
					a.logger.Warn("document not ingested", "input", in.Name, "outcome", outcomeForError(err), "error", err)
					continue
				}
				a.logger.Info("document ingested", "input", in.Name)
			}

			for _, entry := range neighbors {
				xdid, list, ok := strings.Cut(entry, "=")
				if !ok || xdid == "" {
					return fmt.Errorf("invalid --neighbors %q, want xdid=id1,id2", entry)
				}
				if err := archive.SetNeighbors(ctx, xdid, strings.Split(list, ",")); err != nil {
					return err
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d documents could not be ingested", failed, len(inputs))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&publication, "publication", "", "publication id (default: derived from file name)")
	cmd.Flags().StringVar(&date, "date", "", "publication date YYYY-MM-DD (default: derived from file name)")
	cmd.Flags().StringArrayVar(&neighbors, "neighbors", nil, "similar-grid candidates, as xdid=id1,id2 (repeatable)")
	return cmd
}

// fileInputs builds batch inputs from paths; flags override what file names say.
func fileInputs(paths []string, publication, date string) ([]Input, error) {
	var override PuzzleInfo
	if date != "" {
		d, err := ParseDate(date)
		if err != nil {
			return nil, err
		}
		override.Date = d
	}
	override.PublicationID = publication

	inputs := make([]Input, 0, len(paths))
	for _, path := range paths {
		info := InfoFromFilename(path)
		if override.PublicationID != "" {
			info.PublicationID = override.PublicationID
		}
		if !override.Date.IsZero() {
			info.Date = override.Date
		}
		inputs = append(inputs, FileInput(path, info))
	}
	return inputs, nil
}
