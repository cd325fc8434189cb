/*
Copyright 2025.

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

package ludari

import (
	"strings"

	"github.com/go-logr/logr"
	"github.com/rs/zerolog"

	"github.com/creativogee/ludari-sdk/storage"
)

// Logger is the host-provided logging surface. The Manager gates emission
// by the fleet-wide Control.log_level, so implementations should not apply
// their own level filtering on top.
type Logger interface {
	Error(msg string)
	Warn(msg string)
	Log(msg string)
	Debug(msg string)
}

// Severity ranks, ordered error < warn < info < debug. A Control.log_level
// of "warn" emits error and warn lines and drops the rest.
const (
	rankError = iota
	rankWarn
	rankInfo
	rankDebug
)

// levelRank maps a stored log level onto its rank. Unknown levels stay
// permissive at info so a typo in Control never silences a fleet.
func levelRank(level string) int {
	switch strings.ToLower(level) {
	case storage.LogLevelError:
		return rankError
	case storage.LogLevelWarn:
		return rankWarn
	case storage.LogLevelInfo:
		return rankInfo
	case storage.LogLevelDebug:
		return rankDebug
	default:
		return rankInfo
	}
}

type zerologLogger struct {
	zl zerolog.Logger
}

// NewZerologLogger adapts a zerolog.Logger to the Logger contract. Log maps
// to the info level.
func NewZerologLogger(zl zerolog.Logger) Logger {
	return &zerologLogger{zl: zl}
}

func (l *zerologLogger) Error(msg string) { l.zl.Error().Msg(msg) }
func (l *zerologLogger) Warn(msg string)  { l.zl.Warn().Msg(msg) }
func (l *zerologLogger) Log(msg string)   { l.zl.Info().Msg(msg) }
func (l *zerologLogger) Debug(msg string) { l.zl.Debug().Msg(msg) }

type logrLogger struct {
	lg logr.Logger
}

// NewLogrLogger adapts a logr.Logger. Warn and Log map to V(0), Debug to
// V(1), matching the usual logr verbosity conventions.
func NewLogrLogger(lg logr.Logger) Logger {
	return &logrLogger{lg: lg}
}

func (l *logrLogger) Error(msg string) { l.lg.Error(nil, msg) }
func (l *logrLogger) Warn(msg string)  { l.lg.V(0).Info(msg, "severity", "warn") }
func (l *logrLogger) Log(msg string)   { l.lg.V(0).Info(msg) }
func (l *logrLogger) Debug(msg string) { l.lg.V(1).Info(msg) }
