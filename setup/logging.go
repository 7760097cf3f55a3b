// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package setup wires process-wide concerns: logging hooks and config
// loading for the binaries.
package setup

import (
	"os"
	"path/filepath"

	"github.com/matrix-org/dugong"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/hearth/setup/config"
)

type utcFormatter struct {
	logrus.Formatter
}

func (f utcFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	entry.Time = entry.Time.UTC()
	return f.Formatter.Format(entry)
}

// logLevelHook forwards to its inner hook only at the configured level and
// above.
type logLevelHook struct {
	level logrus.Level
	logrus.Hook
}

func (h *logLevelHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		if level <= h.level {
			levels = append(levels, level)
		}
	}
	return levels
}

// SetupHookLogging configures the global logger from the config's logging
// hooks. Unknown hook types and malformed params are reported and skipped;
// logging to stderr always stays on.
func SetupHookLogging(hooks []config.LogrusHook) {
	logrus.SetFormatter(&utcFormatter{
		&logrus.TextFormatter{
			TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
			FullTimestamp:    true,
			DisableColors:    false,
			DisableTimestamp: false,
		},
	})
	for _, hook := range hooks {
		level, err := logrus.ParseLevel(hook.Level)
		if err != nil {
			logrus.Errorf("Unrecognised level for hook of type %q: %q", hook.Type, hook.Level)
			continue
		}
		switch hook.Type {
		case "file":
			setupFileHook(hook, level)
		case "std":
			logrus.SetLevel(level)
		default:
			logrus.Errorf("Unrecognised logging hook type: %q", hook.Type)
		}
	}
}

// setupFileHook adds a dugong file hook writing rotated per-level log files
// under the hook's path param.
func setupFileHook(hook config.LogrusHook, level logrus.Level) {
	path, ok := hook.Params["path"].(string)
	if !ok || path == "" {
		logrus.Error("Expecting a parameter \"path\" for logging hook of type \"file\"")
		return
	}
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		logrus.WithError(err).Errorf("Couldn't create directory %s for logging", path)
		return
	}
	logrus.AddHook(&logLevelHook{
		level,
		dugong.NewFSHook(
			filepath.Join(path, "info.log"),
			&utcFormatter{
				&logrus.TextFormatter{
					TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
					DisableColors:    true,
					DisableTimestamp: false,
					DisableSorting:   false,
				},
			},
			&dugong.DailyRotationSchedule{GZip: true},
		),
	})
}
