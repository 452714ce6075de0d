package config

import (
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/conductorone/baton-offline/pkg/conflict"
)

type DecodeHookOption func(*decodeHookConfig)

type decodeHookConfig struct {
	hookFuncs []mapstructure.DecodeHookFunc
}

// ComposeDecodeHookFunc returns the decode hooks used for Config, plus any additional ones.
func ComposeDecodeHookFunc(opts ...DecodeHookOption) mapstructure.DecodeHookFunc {
	config := &decodeHookConfig{
		hookFuncs: []mapstructure.DecodeHookFunc{
			mapstructure.StringToTimeDurationHookFunc(),
			StringToSliceHookFunc(","),
			StringToStrategyHookFunc(),
		},
	}
	for _, opt := range opts {
		opt(config)
	}
	return mapstructure.ComposeDecodeHookFunc(config.hookFuncs...)
}

func WithAdditionalDecodeHooks(funcs ...mapstructure.DecodeHookFunc) DecodeHookOption {
	return func(c *decodeHookConfig) {
		c.hookFuncs = append(c.hookFuncs, funcs...)
	}
}

// StringToSliceHookFunc splits a string into a []string on sep, trimming whitespace.
func StringToSliceHookFunc(sep string) mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Slice || t.Elem().Kind() != reflect.String {
			return data, nil
		}

		raw := data.(string)
		if raw == "" {
			return []string{}, nil
		}

		parts := strings.Split(raw, sep)
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}
}

// StringToStrategyHookFunc parses conflict strategy names, rejecting unknown ones.
func StringToStrategyHookFunc() mapstructure.DecodeHookFunc {
	strategyType := reflect.TypeOf(conflict.Strategy(""))
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != strategyType {
			return data, nil
		}
		return conflict.ParseStrategy(data.(string))
	}
}
