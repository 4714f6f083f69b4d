// Package logger 管理进程级的 zerolog 日志实例。
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"wsgate/internal/types"
)

var output io.Closer

// Init 根据 [log] 配置初始化全局日志。
func Init(conf types.LogConf) error {
	level := zerolog.InfoLevel
	if conf.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(conf.Level))
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", conf.Level, err)
		}
		level = parsed
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var w io.Writer = os.Stderr
	if conf.Output != "" {
		f, err := os.OpenFile(conf.Output, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		output = f
		w = f
	}

	if conf.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "2006-01-02 15:04:05.000", NoColor: conf.Output != ""}
	}

	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}

// SetDebug 强制使用 debug 级别，忽略 [log] level。
func SetDebug() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

// Close 关闭 Init 打开的日志文件（如果有）。
func Close() error {
	if output == nil {
		return nil
	}
	return output.Close()
}

// Get 返回全局日志实例。
func Get() *zerolog.Logger {
	return &log.Logger
}

// With 创建子日志上下文。
func With() zerolog.Context {
	return log.Logger.With()
}

func Debug() *zerolog.Event { return log.Debug() }

func Info() *zerolog.Event { return log.Info() }

func Warn() *zerolog.Event { return log.Warn() }

func Error() *zerolog.Event { return log.Error() }

func Fatal() *zerolog.Event { return log.Fatal() }
