/*
Copyright 2025 The Contrail Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	logutil "github.com/arvindvis/contrail-controller/pkg/agent/util/logging"
)

// atomicLevel is shared between NewLogger calls so the log level can be
// adjusted after the logger has been handed out to subsystems.
var atomicLevel = uberzap.NewAtomicLevelAt(zapcore.InfoLevel)

// Options controls construction of the process logger.
type Options struct {
	// Verbosity maps onto logr V-levels; see pkg/agent/util/logging.
	Verbosity int
	// Development enables the human-readable console encoder.
	Development bool
}

// NewLogger builds the process-wide logr.Logger backed by zap.
func NewLogger(opts Options) logr.Logger {
	atomicLevel.SetLevel(zapcore.Level(-1 * opts.Verbosity))

	var cfg uberzap.Config
	if opts.Development {
		cfg = uberzap.NewDevelopmentConfig()
	} else {
		cfg = uberzap.NewProductionConfig()
	}
	cfg.Level = atomicLevel

	zl, err := cfg.Build(uberzap.AddCaller())
	if err != nil {
		// Config is fully under our control; a build failure is a programming
		// error, not an operational condition.
		panic(err)
	}
	return zapr.NewLogger(zl)
}

// SetVerbosity adjusts the shared atomic level so loggers already derived from
// NewLogger pick up the new verbosity.
func SetVerbosity(v int) {
	atomicLevel.SetLevel(zapcore.Level(-1 * v))
}

// NewTestLogger creates a verbose dev-mode logger for use in tests.
func NewTestLogger() logr.Logger {
	cfg := uberzap.NewDevelopmentConfig()
	cfg.Level = uberzap.NewAtomicLevelAt(zapcore.Level(-1 * logutil.TRACE))
	zl, err := cfg.Build(uberzap.AddCaller())
	if err != nil {
		panic(err)
	}
	return zapr.NewLogger(zl)
}
