// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package app

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a development zap logger on stderr. Verbosity n enables
// logger.V(n) messages.
func NewLogger(verbosity int) (logr.Logger, error) {
	if verbosity < 0 {
		verbosity = 0
	}
	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(zapcore.Level(-verbosity))
	zapConfig.DisableStacktrace = verbosity == 0
	zapLog, err := zapConfig.Build()
	if err != nil {
		return logr.Discard(), fmt.Errorf("failed to create logger: %w", err)
	}
	return zapr.NewLogger(zapLog), nil
}
