// Package logging builds the zap loggers used by the save tools.
package logging

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const baseConfig = `{
	"level": "info",
	"outputPaths": ["stderr"],
	"errorOutputPaths": ["stderr"],
	"encoding": "console",
	"encoderConfig": {
		"messageKey": "message",
		"levelKey": "level",
		"timeKey": "ts",
		"nameKey": "logger",
		"levelEncoder": "lowercase",
		"timeEncoder": "iso8601"
	}
}`

// ParseLevel accepts debug, info, warn (or warning) and error, case-insensitively.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return zap.DebugLevel, nil
	case "", "info":
		return zap.InfoLevel, nil
	case "warn", "warning":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	}
	return zap.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// New returns a logger writing to stderr. encoding is "json" or "console".
func New(level, encoding string, outputs ...string) (*zap.Logger, error) {
	var cfg zap.Config
	if err := json.Unmarshal([]byte(baseConfig), &cfg); err != nil {
		return nil, err
	}
	lv, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = zap.NewAtomicLevelAt(lv)
	switch strings.ToLower(encoding) {
	case "", "console":
		cfg.Encoding = "console"
	case "json":
		cfg.Encoding = "json"
	default:
		return nil, fmt.Errorf("unknown log encoding %q", encoding)
	}
	if len(outputs) > 0 {
		cfg.OutputPaths = outputs
	}
	return cfg.Build()
}
