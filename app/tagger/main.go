// Command tagger trains a multi-label image tagger or evaluates a trained
// checkpoint, depending on -eval.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tsawler/go-tagnet/config"
	"github.com/tsawler/go-tagnet/dashboard"
	"github.com/tsawler/go-tagnet/inference"
	"github.com/tsawler/go-tagnet/logging"
	"github.com/tsawler/go-tagnet/training"
	"github.com/tsawler/go-tagnet/vision/dataloader"
	"github.com/tsawler/go-tagnet/vision/dataset"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fset := flag.NewFlagSet("tagger", flag.ContinueOnError)
	cfg, err := config.Parse(fset, args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	resolved, err := cfg.Validate()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger, err := logging.NewLogger(cfg.Logging())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Eval {
		err = evaluate(ctx, cfg, resolved, logger)
	} else {
		err = train(ctx, cfg, resolved, logger)
	}
	if err != nil {
		logger.Error("%v", err)
		return 1
	}
	return 0
}

// loadData builds the batch source for cfg. The caller stops the returned
// func once the source is no longer read.
func loadData(cfg *config.Config, resolved *config.Resolved, logger *logging.Logger) (dataloader.Source, func(), error) {
	ds, err := dataset.LoadManifest(cfg.Dataset, cfg.NumClasses)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("%s", ds)

	loader, err := dataloader.NewDataLoader(ds, cfg.LoaderConfig(resolved))
	if err != nil {
		return nil, nil, err
	}
	if cfg.Preload {
		if err := loader.Preload(os.Stdout); err != nil {
			return nil, nil, fmt.Errorf("preload failed: %w", err)
		}
		logger.Info("preloaded images: %s", loader.Stats())
	}
	if cfg.Prefetch == 0 {
		return loader, func() {}, nil
	}
	p := dataloader.NewPrefetcher(loader, cfg.Prefetch)
	return p, p.Stop, nil
}

func train(ctx context.Context, cfg *config.Config, resolved *config.Resolved, logger *logging.Logger) error {
	var weights []float32
	if cfg.Reweight {
		w, err := dataset.LoadTagWeights(cfg.TagWeights, cfg.NumClasses)
		if err != nil {
			return err
		}
		weights = w
	}

	loader, stopLoader, err := loadData(cfg, resolved, logger)
	if err != nil {
		return err
	}
	defer stopLoader()

	var sinks dashboard.Multi
	if cfg.Dashboard {
		store, err := dashboard.Open(dashboard.StorePath(cfg.CheckpointDir()), false)
		if err != nil {
			return err
		}
		defer store.Close()

		writer, err := dashboard.NewWriter(store, cfg.Name, cfg.Model)
		if err != nil {
			return err
		}
		defer writer.Close()
		sinks = append(sinks, writer)
		logger.Info("recording scalars for run %s in %s", writer.Run().ID, store.Path())

		if cfg.DashboardAddr != "" {
			srv := &http.Server{Addr: cfg.DashboardAddr, Handler: dashboard.NewRouter(store)}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Warn("dashboard server stopped: %v", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("dashboard listening on %s", cfg.DashboardAddr)
		}
	}
	if cfg.SidecarURL != "" {
		sc := dashboard.NewSidecar(dashboard.SidecarConfig{BaseURL: cfg.SidecarURL})
		if err := sc.CheckHealth(ctx); err != nil {
			logger.Warn("plotting sidecar unavailable, curves will not be plotted: %v", err)
		} else {
			sinks = append(sinks, dashboard.NewSidecarWriter(sc, cfg.Model, logger))
		}
	}

	var sink training.ScalarSink
	if len(sinks) > 0 {
		sink = sinks
	}
	reporter := training.NewReporter(os.Stdout, cfg.CheckpointDir(), sink)

	trainer, err := training.NewTrainer(cfg.TrainingConfig(resolved, weights, logger), loader, reporter, logger)
	if err != nil {
		return err
	}

	err = trainer.Train(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Warn("training interrupted at step %d; latest checkpoint is in %s", trainer.GlobalStep(), cfg.CheckpointDir())
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("training finished after %d steps", trainer.GlobalStep())
	return nil
}

func evaluate(ctx context.Context, cfg *config.Config, resolved *config.Resolved, logger *logging.Logger) error {
	tags, err := dataset.LoadTagIndex(cfg.TagIndex)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("no tag index at %s, printing class indices", cfg.TagIndex)
		tags = dataset.TagIndex{}
	} else if err != nil {
		return err
	}

	evaluator, err := inference.NewEvaluator(cfg.EvaluatorConfig(resolved, logger), tags, os.Stdout, logger)
	if err != nil {
		return err
	}
	loader, stopLoader, err := loadData(cfg, resolved, logger)
	if err != nil {
		return err
	}
	defer stopLoader()

	_, err = evaluator.Run(ctx, loader)
	if errors.Is(err, context.Canceled) {
		logger.Warn("evaluation interrupted")
		return nil
	}
	return err
}
