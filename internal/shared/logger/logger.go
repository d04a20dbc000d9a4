package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"revsocks_go/internal/shared/types"
)

// Init 根据 LogConf 配置全局 logger (zerolog/log.Logger)。
func Init(conf types.LogConf) error {
	level := zerolog.InfoLevel
	if conf.Level != "" {
		lv, err := zerolog.ParseLevel(strings.ToLower(conf.Level))
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", conf.Level, err)
		}
		level = lv
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = os.Stderr
	if conf.File != "" {
		f, err := os.OpenFile(conf.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = f
	}

	switch strings.ToLower(conf.Format) {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "2006-01-02 15:04:05.000", NoColor: conf.File != ""}
	case "json":
	default:
		return fmt.Errorf("invalid log format %q", conf.Format)
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

func Debug() *zerolog.Event { return log.Debug() }
func Info() *zerolog.Event  { return log.Info() }
func Warn() *zerolog.Event  { return log.Warn() }
func Error() *zerolog.Event { return log.Error() }
func Fatal() *zerolog.Event { return log.Fatal() }

// With 返回带公共字段的子 logger 构造器
func With() zerolog.Context { return log.With() }
