package app

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	goFlags "github.com/jessevdk/go-flags"

	"wsgate/internal/config"
	"wsgate/internal/shared/logger"
	"wsgate/internal/types"
)

// Options 表示命令行参数，非空值会覆盖配置文件中的设置。
type Options struct {
	// Config 是要加载的 INI 文件，默认路径下文件不存在时使用内置默认值
	Config string `short:"c" long:"config" description:"Path to the INI configuration file." default:"configs/wsgate.ini"`

	// Verbose 强制开启 debug 日志
	Verbose bool `short:"v" long:"verbose" description:"Verbose output (forces the debug log level)."`

	// Listen 覆盖当前角色的监听地址
	Listen string `long:"listen" description:"Listen address, overrides [gate] listen or [bridge] listen."`

	Backend string `long:"backend" description:"Backend game server address, overrides [gate] backend."`

	Target string `long:"target" description:"Tunnel target (ws://, wss:// or host:port), overrides [bridge] target."`

	WebListen string `long:"web" description:"Diagnostics endpoint address, overrides [web] listen."`
}

// apply 将命令行参数覆盖到 cfg。
func (o *Options) apply(cfg *types.Config, role Role) {
	if o.Listen != "" {
		if role == RoleBridge {
			cfg.BridgeConf.Listen = o.Listen
		} else {
			cfg.GateConf.Listen = o.Listen
		}
	}
	if o.Backend != "" {
		cfg.GateConf.Backend = o.Backend
	}
	if o.Target != "" {
		cfg.BridgeConf.Target = o.Target
	}
	if o.WebListen != "" {
		cfg.WebConf.Listen = o.WebListen
	}
}

// loadConfig 读取 options 指定的 INI 文件，
// 并返回回退为默认值的配置项对应的 KindConfig 警告。
func loadConfig(o *Options) (*types.Config, []error, error) {
	cfg := new(types.Config)
	warnings, err := config.LoadIni(cfg, o.Config)
	if err != nil {
		if !stderrors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("failed to load config file '%s': %w", o.Config, err)
		}
		cfg = new(types.Config)
		warnings, err = config.LoadIniBytes(cfg, []byte{})
		if err != nil {
			return nil, nil, err
		}
	}
	return cfg, warnings, nil
}

// Main 是 gate 和 bridge 两个程序共用的入口。
func Main(role Role) {
	options := &Options{}
	parser := goFlags.NewParser(options, goFlags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*goFlags.Error); ok && flagsErr.Type == goFlags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	cfg, warnings, err := loadConfig(options)
	if err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
		os.Exit(1)
	}
	options.apply(cfg, role)

	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if options.Verbose || (role == RoleGate && cfg.GateConf.Debug) {
		logger.SetDebug()
	}
	for _, w := range warnings {
		logger.Warn().Err(w).Msg("Configuration value replaced by its default")
	}

	s := New(cfg, role)
	if err := s.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Server failed to start")
	}

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
	<-signalChannel

	s.Stop()
	_ = logger.Close()
}
