// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline holds helpers to configure the hyperparameters of a context from the command line,
// configuration files and environment variables.
package commandline

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ParseContextSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// All the parameters "param1", "param2", etc. must be already set with default values
// in the context `ctx`. The default values are also used to set the type to which the
// string values will be parsed to.
//
// Scoped settings are accepted with an absolute scope: "/model/decoder/dropout=0.1" works as
// long as a default "dropout" is defined at the root of `ctx`.
//
// An entry "file:<path>" reads the settings from a file, one or more per line, skipping lines
// starting with "#".
//
// It returns the list of parameters set, in the order they were given.
func ParseContextSettings(ctx *context.Context, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseContextSetting(ctx, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseContextSetting(ctx *context.Context, setting string, paramsSet []string) ([]string, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return paramsSet, nil
	}
	if filePath, isFile := strings.CutPrefix(setting, "file:"); isFile {
		filePath, err := fsutil.ReplaceTildeInDir(filePath)
		if err != nil {
			return paramsSet, err
		}
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return paramsSet, errors.Wrapf(err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, lineSetting := range strings.Split(line, ";") {
				if paramsSet, err = parseContextSetting(ctx, lineSetting, paramsSet); err != nil {
					return paramsSet, errors.WithMessagef(err, "settings file %q", filePath)
				}
			}
		}
		return paramsSet, nil
	}

	paramPath, valueStr, found := strings.Cut(setting, "=")
	if !found {
		return paramsSet, errors.Errorf("can't parse setting %q: it requires the format \"<param>=<value>\"", setting)
	}
	ctxInScope, paramName, defaultValue, err := lookupParam(ctx, paramPath)
	if err != nil {
		return paramsSet, err
	}
	value, err := parseValue(defaultValue, valueStr)
	if err != nil {
		return paramsSet, errors.Wrapf(err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, paramPath, defaultValue)
	}
	ctxInScope.SetParam(paramName, value)
	return append(paramsSet, paramPath), nil
}

// lookupParam returns the context where paramPath should be set, the parameter name and its default value
// at the root of ctx.
func lookupParam(ctx *context.Context, paramPath string) (ctxInScope *context.Context, paramName string, defaultValue any, err error) {
	paramScope, paramName := context.SplitScope(paramPath)
	if strings.Contains(paramName, context.ScopeSeparator) {
		err = errors.Errorf("can't set parameter %q because its scope is not absolute (it does not start with %q)",
			paramPath, context.ScopeSeparator)
		return
	}
	defaultValue, found := ctx.GetParam(paramName)
	if !found {
		err = errors.Errorf("can't set parameter %q because %q is not known in the root context", paramPath, paramName)
		return
	}
	ctxInScope = ctx
	if paramScope != "" {
		ctxInScope = ctx.InAbsPath(paramScope)
	}
	return
}

// parseValue parses valueStr to the type of defaultValue.
func parseValue(defaultValue any, valueStr string) (value any, err error) {
	unmarshalNumber := func(str string, ptr any) error {
		return json.Unmarshal([]byte(strings.ReplaceAll(str, "_", "")), ptr)
	}
	switch v := defaultValue.(type) {
	case int:
		err = unmarshalNumber(valueStr, &v)
		value = v
	case int32:
		err = unmarshalNumber(valueStr, &v)
		value = v
	case int64:
		err = unmarshalNumber(valueStr, &v)
		value = v
	case float64:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case float32:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case bool:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case string:
		value = valueStr
	case []string:
		value = []string{}
		if valueStr != "" {
			value = strings.Split(valueStr, ",")
		}
	case []int:
		ints := []int{}
		if valueStr != "" {
			ints = xslices.Map(strings.Split(valueStr, ","), func(str string) int {
				var asInt int
				if newErr := unmarshalNumber(str, &asInt); newErr != nil {
					err = newErr
				}
				return asInt
			})
		}
		value = ints
	case []float64:
		value = xslices.Map(strings.Split(valueStr, ","), func(str string) float64 {
			var asNum float64
			if newErr := json.Unmarshal([]byte(str), &asNum); newErr != nil {
				err = newErr
			}
			return asNum
		})
	default:
		err = errors.Errorf("don't know how to parse type %T", defaultValue)
	}
	return
}

// ApplyConfig sets the parameters of ctx found in the configuration v: typically a configuration file read
// with viper, possibly overlaid with environment variables.
//
// Only parameters already defined at the root of ctx are considered, and their values are converted to the
// type of the current (default) value. It returns the names of the parameters set.
func ApplyConfig(ctx *context.Context, v *viper.Viper) (paramsSet []string, err error) {
	type param struct {
		key   string
		value any
	}
	var params []param
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope {
			params = append(params, param{key, value})
		}
	})
	for _, p := range params {
		if !v.IsSet(p.key) {
			continue
		}
		var value any
		switch p.value.(type) {
		case int:
			value = v.GetInt(p.key)
		case int32:
			value = v.GetInt32(p.key)
		case int64:
			value = v.GetInt64(p.key)
		case float64:
			value = v.GetFloat64(p.key)
		case bool:
			value = v.GetBool(p.key)
		case string:
			value = v.GetString(p.key)
		case []string:
			value = v.GetStringSlice(p.key)
		case []int:
			value = v.GetIntSlice(p.key)
		default:
			if str, ok := v.Get(p.key).(string); ok {
				if value, err = parseValue(p.value, str); err != nil {
					return paramsSet, errors.Wrapf(err, "config parameter %q", p.key)
				}
				break
			}
			return paramsSet, errors.Errorf("config parameter %q: don't know how to convert %T to %T",
				p.key, v.Get(p.key), p.value)
		}
		ctx.SetParam(p.key, value)
		paramsSet = append(paramsSet, p.key)
	}
	return paramsSet, nil
}

// ContextSettingsUsage returns the usage description of a flag holding settings parsed by
// ParseContextSettings, listing the parameters defined at the root of ctx and their default values.
func ContextSettingsUsage(ctx *context.Context) string {
	parts := []string{fmt.Sprintf(
		`Set context parameters defining the model. `+
			`It should be a list of elements "param=value" separated by ";". `+
			`Scoped settings are allowed, by using %q to separate scopes. `+
			`It can also be given an entry like: "file:settings_file.txt", in `+
			`which case the settings are read from the file, one line at a time. `+
			`Current available parameters that can be set:`,
		context.ScopeSeparator)}
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, value))
	})
	return strings.Join(parts, "\n")
}

// SprintContextSettings pretty-print values for the current hyperparameters settings into a string.
func SprintContextSettings(ctx *context.Context) string {
	var parts []string
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope {
			scope = ""
		}
		parts = append(parts, fmt.Sprintf("\t\"%s/%s\": (%T) %v", scope, key, value, value))
	})
	return strings.Join(parts, "\n")
}

// SprintModifiedContextSettings pretty-prints the values of the parameters in paramsSet, as returned by
// ParseContextSettings or ApplyConfig. Repeated entries are printed once.
func SprintModifiedContextSettings(ctx *context.Context, paramsSet []string) string {
	var parts []string
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	for _, paramPath := range slices.Compact(paramsSet) {
		paramScope, paramName := context.SplitScope(paramPath)
		if paramScope == "" {
			paramScope = context.RootScope
		}
		value, found := ctx.InAbsPath(paramScope).GetParam(paramName)
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", paramPath, value, value))
	}
	return strings.Join(parts, "\n")
}
