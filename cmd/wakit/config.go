package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/wakit/wakit"
	"github.com/wakit/wakit/experimental/logging"
)

// cliConfig are the runtime settings which can be read from the --config file. Flags of the same name override
// them.
type cliConfig struct {
	LogLevel           string        `yaml:"log_level"`
	Fuel               int64         `yaml:"fuel"`
	CallStackCeiling   int           `yaml:"call_stack_ceiling"`
	CloseOnContextDone bool          `yaml:"close_on_context_done"`
	MemoryMaxPages     uint32        `yaml:"memory_max_pages"`
	Timeout            time.Duration `yaml:"timeout"`
	Trace              bool          `yaml:"trace"`
}

// loadConfig reads the YAML file at path. An empty path returns the zero configuration.
func loadConfig(path string) (c *cliConfig, err error) {
	c = &cliConfig{}
	if path == "" {
		return c, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(f))

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err = dec.Decode(c); err != nil && err != io.EOF {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

// override replaces the settings whose flag was set on the command line.
func (c *cliConfig) override(cmd *cobra.Command, from *cliConfig) {
	flags := cmd.Flags()
	if flags.Changed("fuel") {
		c.Fuel = from.Fuel
	}
	if flags.Changed("call-stack-ceiling") {
		c.CallStackCeiling = from.CallStackCeiling
	}
	if flags.Changed("close-on-context-done") {
		c.CloseOnContextDone = from.CloseOnContextDone
	}
	if flags.Changed("memory-max-pages") {
		c.MemoryMaxPages = from.MemoryMaxPages
	}
	if flags.Changed("timeout") {
		c.Timeout = from.Timeout
	}
	if flags.Changed("trace") {
		c.Trace = from.Trace
	}
}

func (c *cliConfig) runtimeConfig(logger *zap.Logger) *wakit.RuntimeConfig {
	rc := wakit.NewRuntimeConfig().
		WithLogger(logger).
		WithFuel(c.Fuel).
		WithCallStackCeiling(c.CallStackCeiling).
		WithMemoryMaxPages(c.MemoryMaxPages)
	if c.CloseOnContextDone || c.Timeout > 0 {
		rc = rc.WithCloseOnContextDone(true)
	}
	if c.Trace {
		rc = rc.WithFunctionListener(logging.NewLoggingListener(logger.Named("trace")))
	}
	return rc
}

// newLogger returns a console logger writing to w. Debug level adds caller information, like zap.NewDevelopment.
func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	if level == "" {
		level = "error"
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = ""
	var opts []zap.Option
	if lvl == zapcore.DebugLevel {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		opts = append(opts, zap.AddCaller())
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(w), zap.NewAtomicLevelAt(lvl))
	return zap.New(core, opts...), nil
}
