/*
Copyright 2025 The llm-d Authors

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

// Package logging builds the controller's logr logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2" // nolint:all
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Verbosity levels used with logger.V().
const (
	DEBUG = 1
	TRACE = 2
)

// Options configures the root logger.
type Options struct {
	// Level is one of "error", "info", "debug", "trace".
	Level string
	// Development switches to console encoding with stack traces on warnings.
	Development bool
	// Output defaults to stderr.
	Output io.Writer
}

// ParseLevel maps a level name onto a zap level. logr verbosity N maps to zap level -N.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "debug":
		return zapcore.Level(-DEBUG), nil
	case "trace":
		return zapcore.Level(-TRACE), nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger builds a zap-backed logr.Logger and installs it as the controller-runtime root logger.
func NewLogger(opts Options) (logr.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return logr.Discard(), err
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	logger := zap.New(
		zap.UseDevMode(opts.Development),
		zap.Level(level),
		zap.WriteTo(out),
	)
	ctrl.SetLogger(logger)
	return logger, nil
}

// NewTestLogger routes controller logs to the Ginkgo writer at trace verbosity.
func NewTestLogger() {
	ctrl.SetLogger(zap.New(
		zap.UseDevMode(true),
		zap.Level(zapcore.Level(-TRACE)),
		zap.WriteTo(GinkgoWriter),
	))
}
