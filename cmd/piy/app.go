package main

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/piy-print/piy/internal/config"
	"github.com/piy-print/piy/internal/db"
	"github.com/piy-print/piy/internal/moonraker"
	"github.com/piy-print/piy/internal/pipeline"
	"github.com/piy-print/piy/internal/slicer"
)

// components are the long-lived collaborators built from configuration.
type components struct {
	slicer       *slicer.Invoker
	controller   *moonraker.Client
	catalog      *db.DB
	orchestrator *pipeline.Orchestrator
	gcodesDir    string
}

func (c *components) Close() error {
	if c.catalog != nil {
		return c.catalog.Close()
	}
	return nil
}

func newSlicer(cfg *config.Config, log *zap.SugaredLogger) (*slicer.Invoker, error) {
	line, err := slicer.NewCommandLine(cfg.Slicer.Variant)
	if err != nil {
		return nil, err
	}
	return slicer.NewInvoker(slicer.Config{
		Executable: cfg.Slicer.Executable,
		Profile:    cfg.Slicer.Profile,
		WorkDir:    cfg.Slicer.WorkDir,
		Timeout:    cfg.Slicer.TimeoutDuration(),
	}, line, slicer.WithLogger(log.Named("slicer"))), nil
}

func newController(cfg *config.Config, log *zap.SugaredLogger) *moonraker.Client {
	return moonraker.NewClient(moonraker.Config{
		URL:           cfg.Moonraker.URL,
		APIKey:        cfg.Moonraker.APIKey,
		UploadTimeout: cfg.Moonraker.UploadTimeoutDuration(),
		StartTimeout:  cfg.Moonraker.StartTimeoutDuration(),
	}, moonraker.WithLogger(log.Named("moonraker")))
}

// buildComponents wires the pipeline from cfg. gcodesDir overrides
// paths.gcodes_dir when non-empty.
func buildComponents(cfg *config.Config, log *zap.SugaredLogger, gcodesDir string) (*components, error) {
	sl, err := newSlicer(cfg, log)
	if err != nil {
		return nil, err
	}
	c := &components{slicer: sl, controller: newController(cfg, log)}

	if gcodesDir == "" {
		gcodesDir = cfg.Paths.GcodesDir
	}
	gcodesDir, err = filepath.Abs(gcodesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve gcodes dir: %w", err)
	}

	opts := []pipeline.Option{pipeline.WithLogger(log.Named("pipeline"))}
	if cfg.Paths.Database != "" {
		catalog, err := db.NewDB(cfg.Paths.Database)
		if err != nil {
			return nil, err
		}
		c.catalog = catalog
		opts = append(opts, pipeline.WithCatalog(catalog))
	}

	c.gcodesDir = gcodesDir
	c.orchestrator = pipeline.New(pipeline.Config{
		GcodesDir: gcodesDir,
		TempDir:   cfg.Paths.TempDirOrDefault(),
	}, c.slicer, c.controller, opts...)
	return c, nil
}
