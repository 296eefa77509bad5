/*
 * Copyright (c) 2024, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

/*

Package logging provides a logrus-backed implementation of common.Logger.
Each log event includes a "trace" field identifying the calling function and
line, which is used to locate the source of events without full stack traces.

*/
package logging

import (
	"io"
	"os"

	"github.com/faisal-ameer/ToyShark/common"
	"github.com/faisal-ameer/ToyShark/common/errors"
	"github.com/faisal-ameer/ToyShark/common/stacktrace"
	"github.com/sirupsen/logrus"
)

// TraceLogger implements common.Logger using logrus. Metrics are emitted as
// regular log events with a "metric" field; hosts which ship metrics
// elsewhere should provide their own common.Logger.
type TraceLogger struct {
	log *logrus.Logger
}

// NewTraceLogger creates a TraceLogger which writes JSON log lines to the
// given output. level is a logrus level name ("debug", "info", "warning",
// "error").
func NewTraceLogger(output io.Writer, level string) (*TraceLogger, error) {

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &TraceLogger{
		log: &logrus.Logger{
			Out:       output,
			Formatter: &logrus.JSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     logLevel,
		},
	}, nil
}

// NewStderrTraceLogger creates a TraceLogger which writes to stderr at the
// info level. It is used as the default logger when a Config omits one.
func NewStderrTraceLogger() *TraceLogger {
	logger, _ := NewTraceLogger(os.Stderr, "info")
	return logger
}

func (logger *TraceLogger) WithTrace() common.LogTrace {
	return logger.log.WithField(
		"trace", stacktrace.GetParentFunctionName())
}

func (logger *TraceLogger) WithTraceFields(fields common.LogFields) common.LogTrace {
	return logger.log.WithFields(
		logrus.Fields(fields)).WithField(
		"trace", stacktrace.GetParentFunctionName())
}

func (logger *TraceLogger) LogMetric(metric string, fields common.LogFields) {
	logger.log.WithFields(
		logrus.Fields(fields)).WithField(
		"metric", metric).Info(metric)
}
