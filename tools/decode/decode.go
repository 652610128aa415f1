// Package decode holds the mapstructure hooks used to turn loosely typed
// maps (viper settings, env strings, YAML numbers) into config structs.
package decode

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Options 用于定制 Decode 行为。
type Options struct {
	// 宽松解码："123" -> int、1.0 -> int64 等。
	WeaklyTypedInput bool
	TagName          string
}

func DefaultOptions() Options {
	return Options{WeaklyTypedInput: true, TagName: "mapstructure"}
}

// Hook composes every hook the config layer relies on.
func Hook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		floatToIntHook(),
		stringToUintMapHook(),
	)
}

// Map decodes m into a fresh T using Hook.
func Map[T any](m map[string]any, opts ...Options) (*T, error) {
	cfg := DefaultOptions()
	if len(opts) > 0 {
		cfg = opts[0]
	}
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          cfg.TagName,
		Result:           &out,
		WeaklyTypedInput: cfg.WeaklyTypedInput,
		DecodeHook:       Hook(),
	})
	if err != nil {
		return nil, fmt.Errorf("new decoder: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("decode map: %w", err)
	}
	return &out, nil
}

// floatToIntHook：YAML/JSON 数字默认为 float64，转为整数类型。
func floatToIntHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Kind, data any) (any, error) {
		if from != reflect.Float64 {
			return data, nil
		}
		f := data.(float64)
		switch to {
		case reflect.Int:
			return int(f), nil
		case reflect.Int16:
			return int16(f), nil
		case reflect.Int32:
			return int32(f), nil
		case reflect.Int64:
			return int64(f), nil
		case reflect.Uint64:
			return uint64(f), nil
		}
		return data, nil
	}
}

// stringToUintMapHook accepts "token=uid,token2=uid2" or a JSON object for
// map[string]uint64 targets, so tables can come from a single env var.
func stringToUintMapHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(map[string]uint64{})
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != target {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		out := map[string]uint64{}
		if s == "" {
			return out, nil
		}
		if strings.HasPrefix(s, "{") {
			if err := json.Unmarshal([]byte(s), &out); err != nil {
				return nil, fmt.Errorf("parse map json: %w", err)
			}
			return out, nil
		}
		for _, pair := range strings.Split(s, ",") {
			k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || k == "" {
				return nil, fmt.Errorf("bad map entry %q", pair)
			}
			n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad map value %q: %w", pair, err)
			}
			out[strings.TrimSpace(k)] = n
		}
		return out, nil
	}
}
