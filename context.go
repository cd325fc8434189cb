/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ludari

import (
	"encoding/json"
	"reflect"
	"strconv"
)

// Execution context keys recognized by the pipeline. Contexts round-trip
// through JSON, so the coercion helpers below tolerate the types JSON
// decoding produces (bool, float64, string) as well as native Go numerics.
const (
	ctxKeyDistributed = "distributed"
	ctxKeyTTL         = "ttl"
	ctxKeyRunOnce     = "runOnce"
)

// falsy mirrors loose-boolean semantics: nil, false, zero numbers, the
// empty string, and nil pointers/maps/slices are falsy; everything else,
// including empty-but-non-nil collections, is truthy.
func falsy(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case bool:
		return !x
	case string:
		return x == ""
	case int:
		return x == 0
	case int8:
		return x == 0
	case int16:
		return x == 0
	case int32:
		return x == 0
	case int64:
		return x == 0
	case uint:
		return x == 0
	case uint8:
		return x == 0
	case uint16:
		return x == 0
	case uint32:
		return x == 0
	case uint64:
		return x == 0
	case float32:
		return x == 0
	case float64:
		return x == 0
	case json.Number:
		f, err := x.Float64()
		return err == nil && f == 0
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}

func truthy(v any) bool {
	return !falsy(v)
}

// coerceSeconds reads a duration-in-seconds context value. Absent or
// unparseable values fall back to def; numeric strings are accepted because
// operator tooling often writes contexts by hand.
func coerceSeconds(v any, def float64) float64 {
	switch x := v.(type) {
	case nil:
		return def
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint64:
		return float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return def
		}
		return f
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return def
		}
		return f
	default:
		return def
	}
}
