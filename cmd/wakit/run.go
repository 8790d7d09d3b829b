package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wakit/wakit"
	"github.com/wakit/wakit/api"
	"github.com/wakit/wakit/experimental/logging"
)

func newRunCommand(global *globalParams, stdOut, stdErr io.Writer) *cobra.Command {
	flagValues := &cliConfig{}
	var moduleName string
	cmd := &cobra.Command{
		Use:   "run <path.wasm> <function> [params...]",
		Short: "Call an exported function",
		Long: `Instantiate a WebAssembly binary and call one of its exported functions.

Params are parsed according to the parameter types of the function: decimal or 0x-prefixed integers for i32 and
i64, and decimal floats for f32 and f64. Results are printed one per line.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(global.configPath)
			if err != nil {
				return err
			}
			config.override(cmd, flagValues)
			if global.logLevel != "" {
				config.LogLevel = global.logLevel
			}
			if config.Trace {
				// Calls are logged at debug level.
				config.LogLevel = "debug"
			}
			logger, err := newLogger(config.LogLevel, stdErr)
			if err != nil {
				return err
			}
			return doRun(cmd.Context(), config, logger, moduleName, args[0], args[1], args[2:], stdOut)
		},
	}
	flags := cmd.Flags()
	// Flags come before the path, so that negative params aren't read as flags.
	flags.SetInterspersed(false)
	flags.Int64Var(&flagValues.Fuel, "fuel", 0, "maximum number of instructions to execute, or zero for unlimited")
	flags.IntVar(&flagValues.CallStackCeiling, "call-stack-ceiling", 0, "maximum depth of nested calls (default 2000)")
	flags.BoolVar(&flagValues.CloseOnContextDone, "close-on-context-done", false, "trap once the context is done")
	flags.Uint32Var(&flagValues.MemoryMaxPages, "memory-max-pages", 0, "maximum pages of 64KiB a memory can have (default 65536)")
	flags.DurationVar(&flagValues.Timeout, "timeout", 0, "trap the call after this duration, or zero for none")
	flags.BoolVar(&flagValues.Trace, "trace", false, "log every function call and return to stderr, at debug level")
	flags.StringVar(&moduleName, "name", "", "module name (default the name in the binary)")
	return cmd
}

func doRun(ctx context.Context, config *cliConfig, logger *zap.Logger, moduleName, wasmPath, funcName string, rawParams []string, stdOut io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	source, err := readFile(wasmPath)
	if err != nil {
		return fmt.Errorf("error reading wasm binary: %w", err)
	}

	r := wakit.NewRuntimeWithConfig(config.runtimeConfig(logger))
	compiled, err := r.CompileModule(source)
	if err != nil {
		return fmt.Errorf("error compiling wasm binary: %w", err)
	}
	mod, err := r.InstantiateModule(ctx, compiled, moduleName)
	if err != nil {
		return fmt.Errorf("error instantiating wasm binary: %w", err)
	}

	fn := mod.ExportedFunction(funcName)
	if fn == nil {
		return fmt.Errorf("function %q is not exported by %s", funcName, wasmPath)
	}
	params, err := parseParams(fn.ParamTypes(), rawParams)
	if err != nil {
		return err
	}

	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}
	logger.Debug("calling function", zap.String("function", funcName), zap.Uint64s("params", params))
	results, err := fn.Call(ctx, params...)
	if err != nil {
		var trap *wakit.Trap
		if errors.As(err, &trap) && trap.Fatal() {
			return fmt.Errorf("bug in %s: %w", wasmPath, err)
		}
		return err
	}

	for i, v := range results {
		fmt.Fprintln(stdOut, logging.FormatValue(fn.ResultTypes()[i], v))
	}
	return nil
}

func readFile(path string) (b []byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(f))
	return io.ReadAll(f)
}

// parseParams parses each raw param according to its type.
func parseParams(types []api.ValueType, raw []string) ([]uint64, error) {
	if len(types) != len(raw) {
		return nil, fmt.Errorf("function expects %d params, but %d were passed", len(types), len(raw))
	}
	params := make([]uint64, len(raw))
	var errs error
	for i, s := range raw {
		v, err := parseValue(types[i], s)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("param[%d]: %w", i, err))
			continue
		}
		params[i] = v
	}
	return params, errs
}

func parseValue(t api.ValueType, s string) (uint64, error) {
	switch t {
	case api.ValueTypeI32:
		if v, err := strconv.ParseInt(s, 0, 32); err == nil {
			return uint64(uint32(int32(v))), nil
		}
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid i32 %q", s)
		}
		return v, nil
	case api.ValueTypeI64:
		if v, err := strconv.ParseInt(s, 0, 64); err == nil {
			return uint64(v), nil
		}
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid i64 %q", s)
		}
		return v, nil
	case api.ValueTypeF32:
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid f32 %q", s)
		}
		return api.EncodeF32(float32(v)), nil
	case api.ValueTypeF64:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid f64 %q", s)
		}
		return api.EncodeF64(v), nil
	}
	return 0, fmt.Errorf("%s params are not supported", api.ValueTypeName(t))
}
