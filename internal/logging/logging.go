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

// Package logging bootstraps the structured logger every stage takes
// as a constructor argument. It mirrors original_source's
// StructuredLogger: a console sink plus an optional JSON file sink,
// reshaped onto zap's two-core model.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures New.
type Options struct {
	// Debug enables debug-level console output (spec.md §7: ParseError
	// is logged at debug, never surfaced).
	Debug bool

	// FilePath, when non-empty, adds a JSON-encoded file sink
	// alongside the console sink.
	FilePath string
}

// New builds a *zap.Logger named after the stage ("ingest", "classify",
// "correlate", "score", "store").
func New(stage string, opts Options) (*zap.Logger, error) {
	level := zap.InfoLevel
	if opts.Debug {
		level = zap.DebugLevel
	}

	consoleEncoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), level),
	}

	if opts.FilePath != "" {
		sink, _, err := zap.Open(opts.FilePath)
		if err != nil {
			return nil, fmt.Errorf("logging: open file sink %s: %w", opts.FilePath, err)
		}
		jsonEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(jsonEncoder, sink, level))
	}

	logger := zap.New(zapcore.NewTee(cores...)).Named(stage)
	return logger, nil
}

// Nop returns a no-op logger, useful as a safe zero-value for tests.
func Nop() *zap.Logger { return zap.NewNop() }
