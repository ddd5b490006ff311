package evaluate

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"path/filepath"

	"github.com/stevecastle/spadeval/appconfig"
	"github.com/stevecastle/spadeval/dataset"
	"github.com/stevecastle/spadeval/downloads"
	"github.com/stevecastle/spadeval/model"
	"github.com/stevecastle/spadeval/store"
	"github.com/stevecastle/spadeval/tiler"
)

// ReportDirName is the report directory inside a run's output directory.
const ReportDirName = "report"

// Sources lists the locations a run over level reads from, in fetch order.
// Any of them may be remote.
func Sources(cfg appconfig.Config, level appconfig.NoiseLevel) []string {
	srcs := []string{level.Checkpoint, cfg.TestFiles, cfg.SpadDatapath, cfg.MonoDatapath}
	if cfg.ONNXModel != "" {
		srcs = append(srcs, cfg.ONNXModel)
	}
	return srcs
}

// Setup builds the model and loader for one noise level and returns an
// Evaluator ready to run, with a function releasing the model. Remote
// sources are staged through f.
func Setup(ctx context.Context, cfg appconfig.Config, level appconfig.NoiseLevel, f *downloads.Fetcher, db *sql.DB) (*Evaluator, func() error, error) {
	stage := func(src string) (string, error) {
		if src == "" {
			return "", nil
		}
		return f.Fetch(ctx, src)
	}

	ckpt, err := stage(level.Checkpoint)
	if err != nil {
		return nil, nil, err
	}
	testFiles, err := stage(cfg.TestFiles)
	if err != nil {
		return nil, nil, err
	}
	spadDir, err := stage(cfg.SpadDatapath)
	if err != nil {
		return nil, nil, err
	}
	monoDir, err := stage(cfg.MonoDatapath)
	if err != nil {
		return nil, nil, err
	}
	onnxModel, err := stage(cfg.ONNXModel)
	if err != nil {
		return nil, nil, err
	}

	log.Printf("=> setting gpu to %s", cfg.GPU)
	opts := model.DefaultOptions()
	opts.ModelPath = onnxModel
	opts.ORTSharedLibraryPath = cfg.ORTLibrary
	opts.GPU = cfg.GPU
	m, err := model.New(cfg.ModelName, opts)
	if err != nil {
		return nil, nil, err
	}

	log.Printf("=> Loading checkpoint %s", level.Checkpoint)
	sd, err := model.LoadCheckpoint(ckpt)
	if err == nil {
		err = model.ApplyCheckpoint(m, sd)
	}
	if err != nil {
		m.Close()
		return nil, nil, err
	}

	loader, err := dataset.NewLoader(dataset.Config{
		TestFiles:    testFiles,
		SpadDatapath: spadDir,
		MonoDatapath: monoDir,
		Noise:        level.Index,
		LinearNumBin: opts.Binning.LinearNumBin,
		BatchSize:    cfg.BatchSize,
		Prefetch:     1,
	})
	if err != nil {
		m.Close()
		return nil, nil, fmt.Errorf("failed to load dataset: %w", err)
	}

	out, matrices := cfg.ForNoise(level.Index)
	e := &Evaluator{
		Stitcher:     tiler.NewStitcher(m, opts.Binning),
		Loader:       loader,
		SpadDatapath: spadDir,
		OutDatapath:  out,
		MatricesOut:  matrices,
		DB:           db,
		Info: store.Run{
			Option:     cfg.Option,
			Model:      cfg.ModelName,
			Noise:      level.Index,
			Checkpoint: level.Checkpoint,
		},
	}
	if cfg.Report {
		e.ReportDir = filepath.Join(out, ReportDirName)
	}
	return e, m.Close, nil
}
