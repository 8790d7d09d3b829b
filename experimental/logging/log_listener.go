// Package logging includes a zap-backed experimental.FunctionListener.
package logging

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/wakit/wakit/api"
	"github.com/wakit/wakit/experimental"
)

// NewLoggingListener returns an experimental.FunctionListener which logs every function call and return to the
// logger at debug level.
//
// Ex. A call to "test.add" is logged as "==> test.add" with the field params=[1,2], and its return as
// "<== test.add" with the field results=[3].
func NewLoggingListener(logger *zap.Logger) experimental.FunctionListener {
	return &loggingListener{logger: logger}
}

// NewHostLoggingListener is like NewLoggingListener, except only functions implemented in Go are logged.
func NewHostLoggingListener(logger *zap.Logger) experimental.FunctionListener {
	return &loggingListener{logger: logger, hostOnly: true}
}

type loggingListener struct {
	logger   *zap.Logger
	hostOnly bool
}

// Before implements experimental.FunctionListener Before
func (l *loggingListener) Before(_ context.Context, _ api.Module, def api.FunctionDefinition, params []uint64) {
	if l.hostOnly && !def.IsHostFunction() {
		return
	}
	if ce := l.logger.Check(zap.DebugLevel, "==> "+def.Name()); ce != nil {
		ce.Write(zap.Strings("params", FormatValues(def.ParamTypes(), params)))
	}
}

// After implements experimental.FunctionListener After
func (l *loggingListener) After(_ context.Context, _ api.Module, def api.FunctionDefinition, err error, results []uint64) {
	if l.hostOnly && !def.IsHostFunction() {
		return
	}
	ce := l.logger.Check(zap.DebugLevel, "<== "+def.Name())
	if ce == nil {
		return
	}
	if err != nil {
		ce.Write(zap.Error(err))
	} else {
		ce.Write(zap.Strings("results", FormatValues(def.ResultTypes(), results)))
	}
}

// FormatValues formats each api.ValueType encoded value: integers as signed decimals, floats in the shortest
// representation and references as hex, or "null".
func FormatValues(types []api.ValueType, values []uint64) []string {
	formatted := make([]string, len(values))
	for i, v := range values {
		var t api.ValueType
		if i < len(types) {
			t = types[i]
		}
		formatted[i] = FormatValue(t, v)
	}
	return formatted
}

// FormatValue formats a single value. See FormatValues
func FormatValue(t api.ValueType, v uint64) string {
	switch t {
	case api.ValueTypeI32:
		return strconv.FormatInt(int64(int32(v)), 10)
	case api.ValueTypeI64:
		return strconv.FormatInt(int64(v), 10)
	case api.ValueTypeF32:
		return strconv.FormatFloat(float64(api.DecodeF32(v)), 'g', -1, 32)
	case api.ValueTypeF64:
		return strconv.FormatFloat(api.DecodeF64(v), 'g', -1, 64)
	case api.ValueTypeFuncref, api.ValueTypeExternref:
		if v == 0 {
			return "null"
		}
		return fmt.Sprintf("%#x", v)
	}
	return fmt.Sprintf("%#x", v)
}
