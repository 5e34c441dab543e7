// Package app wires configuration into running processes: the sync server,
// a hosting client and a following client.
package app

import (
	"path/filepath"
	"time"

	"github.com/petervdpas/tandem/internal/config"
	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/util"
)

type Options struct {
	Dir     string // instance directory; relative config paths resolve against it
	CfgPath string
	Cfg     config.Config

	// Progress reports startup steps to the caller.
	Progress func(step, total int, label string)
}

func (o Options) path(rel string) string {
	return util.ResolvePath(o.Dir, rel)
}

func (o Options) progress(step, total int, label string) {
	if o.Progress != nil {
		o.Progress(step, total, label)
	}
	logger.Debug("app: startup", logger.Int("step", step), logger.Int("total", total), logger.String("label", label))
}

// SetupLogging initializes the global logger from the logging section.
func SetupLogging(o Options) error {
	lc := o.Cfg.Logging
	out := ""
	if lc.File != "" {
		out = filepath.Join(o.path(lc.Dir), lc.File)
	}
	return logger.Init(logger.Config{
		Level:      logger.LogLevel(lc.Level),
		OutputPath: out,
		MaxSize:    lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAgeDays,
		Compress:   lc.Compress,
		Console:    lc.Console,
	})
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func logBanner(o Options, mode string) {
	logger.Info("app: starting",
		logger.String("mode", mode),
		logger.String("dir", o.Dir),
		logger.String("config", o.CfgPath),
		logger.String("log_file", logger.Path()))
}
