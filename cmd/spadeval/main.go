// Command spadeval evaluates depth-denoising checkpoints on a SPAD test set.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/stevecastle/spadeval/appconfig"
	"github.com/stevecastle/spadeval/deps"
	"github.com/stevecastle/spadeval/evaluate"
	"github.com/stevecastle/spadeval/jobqueue"
	"github.com/stevecastle/spadeval/model"
	"github.com/stevecastle/spadeval/platform"
	"github.com/stevecastle/spadeval/report"
	"github.com/stevecastle/spadeval/runners"
	"github.com/stevecastle/spadeval/store"
	"github.com/stevecastle/spadeval/tasks"
)

func main() {
	var (
		configPath     string
		o              appconfig.Overrides
		installRuntime bool
		initConfig     bool
		openReport     bool
	)

	flag.StringVar(&o.Option, "option", "", "Config section to evaluate (overrides params.option)")
	flag.StringVar(&configPath, "config", "val_config.yaml", "Path to the YAML config file")
	flag.StringVar(&o.GPU, "gpu", "", "CUDA device id, or cpu")
	flag.StringVar(&o.NoiseIdx, "ckpt_noise_param_idx", "", "Noise level(s) to evaluate; 0 evaluates every configured level")
	flag.StringVar(&o.TestFiles, "test_files", "", "File list of samples to evaluate")
	flag.StringVar(&o.OutDatapath, "out_datapath", "", "Directory predictions are written to")
	flag.StringVar(&o.SpadDatapath, "spad_datapath", "", "Root of the SPAD histograms and ground truth")
	flag.StringVar(&o.MonoDatapath, "mono_datapath", "", "Root of the monocular depth priors")
	flag.StringVar(&o.MatricesOut, "matrices_out", "", "Path of the metrics JSON file")
	flag.StringVar(&o.DBPath, "db", "", "Path of the sqlite database for jobs and results")
	flag.BoolVar(&o.Report, "report", false, "Render plots and a depth preview for every run")
	flag.BoolVar(&installRuntime, "install-runtime", false, "Install missing runtime dependencies before evaluating")
	flag.BoolVar(&initConfig, "init-config", false, "Write a template config to --config and exit")
	flag.BoolVar(&openReport, "open-report", false, "Open the report directory when done")
	flag.Parse()

	if initConfig {
		created, err := appconfig.WriteTemplate(configPath)
		if err != nil {
			log.Fatalf("Failed to write config template: %v", err)
		}
		if !created {
			log.Fatalf("%s already exists", configPath)
		}
		log.Printf("Wrote config template to %s", configPath)
		return
	}

	cfg, err := appconfig.Load(configPath, o)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("=> Option %s, model %s, %d noise level(s)", cfg.Option, cfg.ModelName, len(cfg.Noise))

	if cfg.ModelName == model.SPADnetName && !installRuntime && model.ResolveSharedLibrary(cfg.ORTLibrary) == "" {
		if err := deps.EnsureAvailable(context.Background(), deps.OnnxRuntimeID); err != nil {
			log.Printf("Warning: %v", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	// log.Fatalf skips deferred calls.
	fatalf := func(format string, args ...interface{}) {
		db.Close()
		log.Fatalf(format, args...)
	}
	if err := db.Ping(); err != nil {
		fatalf("Failed to ping database: %v", err)
	}
	if err := store.InitializeSchema(db); err != nil {
		fatalf("Failed to initialize database schema: %v", err)
	}

	queue := jobqueue.NewQueueWithDB(db)
	if n := queue.Unfinished(); n > 0 {
		log.Printf("Resuming %d unfinished job(s) from %s", n, cfg.DBPath)
	}
	ids, err := tasks.EnqueueEvaluation(queue, cfg, installRuntime)
	if err != nil {
		fatalf("Failed to queue evaluation: %v", err)
	}
	log.Printf("Waiting on %d job(s)", len(ids))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := runners.New(queue)
	waitErr := r.Wait(ctx)
	r.Shutdown()

	failed := 0
	for _, id := range ids {
		j := queue.GetJob(id)
		if j == nil {
			continue
		}
		log.Printf("%s %s %s: %s", j.Command, j.Input, j.ID, j.State)
		if j.State != jobqueue.StateCompleted {
			failed++
		}
	}

	if cfg.Report && len(cfg.Noise) > 1 {
		writeNoiseSweep(db, cfg.Option, filepath.Join(cfg.OutRoot(), evaluate.ReportDirName))
	}
	if openReport && cfg.Report {
		dir, _ := cfg.ForNoise(cfg.Noise[0].Index)
		if err := platform.OpenFile(filepath.Join(dir, evaluate.ReportDirName)); err != nil {
			log.Printf("Warning: failed to open report: %v", err)
		}
	}

	if waitErr != nil {
		fatalf("Interrupted: %v", waitErr)
	}
	if failed > 0 {
		fatalf("%d of %d job(s) did not complete", failed, len(ids))
	}
	db.Close()
	log.Println("=> Done")
}

// writeNoiseSweep plots final RMSE against noise level using the latest
// completed run of option at each level.
func writeNoiseSweep(db *sql.DB, option string, dir string) {
	all, err := store.ListRuns(db)
	if err != nil {
		log.Printf("Warning: failed to list runs: %v", err)
		return
	}
	var runs []store.Run
	seen := make(map[int]bool)
	for _, r := range all {
		if r.Option != option || r.Status != store.RunCompleted || seen[r.Noise] {
			continue
		}
		seen[r.Noise] = true
		runs = append(runs, r)
	}
	path := filepath.Join(dir, report.NoiseSweepFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Printf("Warning: %v", err)
		return
	}
	if err := report.NoiseSweep(runs, path); err != nil {
		log.Printf("Warning: %v", err)
		return
	}
	fmt.Printf("Noise sweep written to %s\n", path)
}
