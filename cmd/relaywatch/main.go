// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command relaywatch dispatches the six verbs of spec.md §6's command
// surface: ingest, load-directory, classify, correlate, score, reset.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/relaywatch/relaywatch/internal/classify"
	"github.com/relaywatch/relaywatch/internal/config"
	"github.com/relaywatch/relaywatch/internal/correlate"
	"github.com/relaywatch/relaywatch/internal/directory"
	"github.com/relaywatch/relaywatch/internal/ingest"
	"github.com/relaywatch/relaywatch/internal/logging"
	"github.com/relaywatch/relaywatch/internal/model"
	"github.com/relaywatch/relaywatch/internal/pipeline"
	"github.com/relaywatch/relaywatch/internal/score"
	"github.com/relaywatch/relaywatch/internal/store"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			fmt.Fprintf(os.Stderr, "relaywatch: %s: %s: %v\n", stageErr.Stage, stageErr.Operation, stageErr.Cause)
		} else {
			fmt.Fprintf(os.Stderr, "relaywatch: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	root := flag.NewFlagSet("relaywatch", flag.ContinueOnError)
	dbPath := root.String("db", "relaywatch.db", "path to the store database file")
	debug := root.Bool("debug", false, "enable debug logging")
	logFile := root.String("log-file", "", "optional path to a JSON log sink")

	// Global flags (-db/-debug/-log-file) precede the verb; flag.Parse
	// stops at the first non-flag argument, which is the verb, leaving
	// everything after it for the verb's own FlagSet to parse.
	if err := root.Parse(args); err != nil {
		return err
	}
	rest := root.Args()
	if len(rest) == 0 {
		return errors.New("usage: relaywatch [-db path] [-debug] [-log-file path] <ingest|load-directory|classify|correlate|score|reset> [flags]")
	}
	verb := rest[0]
	rest = rest[1:]

	logger, err := logging.New(verb, logging.Options{Debug: *debug, FilePath: *logFile})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx := context.Background()

	switch verb {
	case "ingest":
		return runIngest(ctx, *dbPath, logger, rest)
	case "load-directory":
		return runLoadDirectory(ctx, *dbPath, logger, rest)
	case "classify":
		return runClassify(ctx, *dbPath, logger, rest)
	case "correlate":
		return runCorrelate(ctx, *dbPath, logger, rest)
	case "score":
		return runScore(ctx, *dbPath, logger, rest)
	case "reset":
		return runReset(ctx, *dbPath, logger, rest)
	default:
		return fmt.Errorf("unknown verb %q", verb)
	}
}

func openStore(path string) (*store.Store, error) {
	return store.Open(path, store.Options{})
}

func runIngest(ctx context.Context, dbPath string, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	file := fs.String("file", "", "path to the capture file")
	batchSize := fs.Int("batch-size", config.DefaultBatchSize, "flush threshold in distinct flows")
	streaming := fs.Bool("streaming", false, "flush incrementally instead of at end-of-input")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("ingest: -file is required")
	}

	st, err := openStore(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	src, err := ingest.OpenFile(*file)
	if err != nil {
		return err
	}

	ingestor := ingest.New(st, logger, config.IngestOptions{
		File: *file, BatchSize: *batchSize, Streaming: *streaming,
	})
	res, err := ingestor.Run(ctx, src)
	if err != nil {
		return err
	}

	fmt.Println(res.FlowsPersisted)
	return nil
}

func runLoadDirectory(ctx context.Context, dbPath string, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("load-directory", flag.ContinueOnError)
	file := fs.String("file", "", "path to the relay directory snapshot")
	watch := fs.Bool("watch", false, "keep running and reload on every write to -file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("load-directory: -file is required")
	}

	st, err := openStore(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	count, err := directory.Load(ctx, st, logger, *file)
	if err != nil {
		return err
	}
	fmt.Println(count)

	if *watch {
		return directory.Watch(ctx, st, logger, *file)
	}
	return nil
}

func runClassify(ctx context.Context, dbPath string, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("classify", flag.ContinueOnError)
	batchSize := fs.Int("batch-size", config.DefaultClassifyBatchSize, "commit batch size")
	patternsFile := fs.String("patterns", "", "optional YAML pattern-table override")
	if err := fs.Parse(args); err != nil {
		return err
	}

	patterns, err := config.LoadPatternTable(*patternsFile)
	if err != nil {
		return err
	}

	st, err := openStore(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	classifier := classify.New(st, logger, config.ClassifyOptions{BatchSize: *batchSize, Patterns: patterns})
	count, err := classifier.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Println(count)
	return nil
}

func runCorrelate(ctx context.Context, dbPath string, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("correlate", flag.ContinueOnError)
	windowSeconds := fs.Float64("window", config.DefaultWindow.Seconds(), "sliding window in seconds")
	minWeight := fs.Float64("min-weight", config.DefaultMinWeight, "minimum weight to persist a correlation")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := openStore(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	corr := correlate.New(st, logger, config.CorrelateOptions{
		Window:    time.Duration(*windowSeconds * float64(time.Second)),
		MinWeight: *minWeight,
	})
	count, err := corr.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Println(count)
	return nil
}

func runScore(ctx context.Context, dbPath string, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("score", flag.ContinueOnError)
	flowID := fs.Int64("flow-id", 0, "score a single flow instead of all flows")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := openStore(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	opts := config.ScoreOptions{}
	hasFlowID := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "flow-id" {
			hasFlowID = true
		}
	})
	if hasFlowID {
		opts.FlowID = *flowID
		opts.HasFlowID = true
	}

	scorer := score.New(st, logger, opts)
	count, err := scorer.Run(ctx)
	if err != nil {
		return err
	}

	if hasFlowID {
		comp, err := scorer.ComputeOne(ctx, model.FlowID(*flowID))
		if err != nil {
			return err
		}
		fmt.Printf("relay_node_match=%.1f timing_correlation=%.1f payload_patterns=%.1f unusual_shape=%.1f total=%.1f category=%s\n",
			comp.RelayNodeMatch, comp.TimingCorrelation, comp.PayloadPatterns, comp.UnusualShape, comp.Total, comp.Category)
		return nil
	}

	fmt.Println(count)

	highConfidence, err := st.FlowsWithMinScore(ctx, config.DefaultHighConfidenceThreshold)
	if err != nil {
		return err
	}
	fmt.Printf("%d flows at or above the high-confidence threshold\n", len(highConfidence))
	return nil
}

func runReset(ctx context.Context, dbPath string, _ *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := openStore(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	return st.Reset(ctx)
}
