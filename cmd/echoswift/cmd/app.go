package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/echoswift/echoswift/internal/config"
	"github.com/echoswift/echoswift/internal/dataset"
	"github.com/echoswift/echoswift/internal/layout"
	"github.com/echoswift/echoswift/internal/loadgen"
	"github.com/echoswift/echoswift/internal/provider"
	"github.com/echoswift/echoswift/internal/storage"
	"github.com/echoswift/echoswift/internal/tokenizer"
)

// app holds the components every load command shares
type app struct {
	cfg      *config.Config
	provider provider.Provider
	runner   *loadgen.Runner
	layout   layout.Layout
	source   dataset.Source

	db     *storage.DB
	runs   *storage.CalibrationStore
	suites *storage.SuiteStore
}

// newApp builds the shared components. A non-nil progress writer receives one
// line per completed wave.
func newApp(ctx context.Context, c *config.Config, progress io.Writer) (*app, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	p, err := provider.Lookup(c.InferenceServer)
	if err != nil {
		return nil, err
	}
	tok, err := tokenizer.New(c.Tokenizer, tokenizer.WithFile(c.TokenizerPath))
	if err != nil {
		return nil, err
	}

	opts := []loadgen.Option{
		loadgen.WithHTTPClient(&http.Client{Timeout: c.RequestTimeout}),
		loadgen.WithModel(c.Model),
		loadgen.WithSpawnRate(c.SpawnRate),
		loadgen.WithLogger(logger),
	}
	if progress != nil {
		opts = append(opts, loadgen.WithProgress(progressPrinter(progress)))
	}
	runner := loadgen.NewRunner(c.BaseURL, p, tok, opts...)

	a := &app{
		cfg:      c,
		provider: p,
		runner:   runner,
		layout:   layout.New(c.OutDir),
		source:   dataset.NewCSVSource(c.DatasetDir),
	}
	if err := a.openHistory(ctx, c.Database.Path); err != nil {
		return nil, err
	}
	return a, nil
}

// openHistory opens the SQLite history; an empty path leaves it disabled
func (a *app) openHistory(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	db, err := storage.New(path)
	if err != nil {
		return err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	a.db = db
	a.runs = storage.NewCalibrationStore(db)
	a.suites = storage.NewSuiteStore(db)
	return nil
}

func progressPrinter(w io.Writer) func(loadgen.Progress) {
	return func(p loadgen.Progress) {
		fmt.Fprintf(w, "[users %d, output tokens %d] %d/%d requests (%.0f%%)\n",
			p.Users, p.OutputTokens, p.Completed, p.Expected,
			100*float64(p.Completed)/float64(p.Expected))
	}
}

func (a *app) runInfo() storage.CalibrationRun {
	run := storage.CalibrationRun{
		Endpoint:     a.cfg.BaseURL,
		Provider:     string(a.provider.Name()),
		Model:        a.cfg.Model,
		OutputTokens: a.cfg.OutputTokens,
	}
	if len(a.cfg.InputTokens) > 0 {
		run.InputTokens = a.cfg.InputTokens[0]
	}
	return run
}

func (a *app) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}
