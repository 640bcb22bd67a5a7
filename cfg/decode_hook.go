// Copyright 2024 The Blockfs Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cfg

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/mitchellh/mapstructure"
)

func hookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(LogLevel("")) {
			return data, nil
		}
		level := strings.ToLower(data.(string))
		if !slices.Contains([]string{"debug", "info", "warn", "error"}, level) {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		return level, nil
	}
}

// DecodeHook composes this package's own string-to-enum conversions
// with mapstructure's built-in time.Duration and comma-separated-slice
// hooks, matching the decode-hook pattern used to fill out cfg.Config
// from viper.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		hookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// LogLevel is a validated log-level string; present so the decode hook
// above has a concrete enum-like type to demonstrate the pattern on,
// mirroring the source's Octal/Protocol/LogSeverity types.
type LogLevel string
