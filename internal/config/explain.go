package config

import (
	"fmt"
	"reflect"
	"strings"
)

// Explain returns the effective value at the given YAML-like path and its source.
//
// Paths name a section and optionally a key, for example:
//
//	backend
//	display.out_fence
//	client.sync
//	log.level
func Explain(res *LoadResult, path string) (any, Source, error) {
	if res == nil || res.Config == nil {
		return nil, Source{}, fmt.Errorf("no config loaded")
	}
	if path == "" {
		return nil, Source{}, fmt.Errorf("path is empty")
	}

	value, err := lookupValue(res.Config, path)
	if err != nil {
		return nil, Source{}, err
	}

	// Exact-path file source wins.
	if src, ok := res.Sources[path]; ok {
		return value, src, nil
	}
	return value, Source{Kind: SourceDefault, Name: "defaults"}, nil
}

// lookupValue walks cfg by yaml tag names.
func lookupValue(cfg *Config, path string) (any, error) {
	v := reflect.ValueOf(cfg).Elem()
	for _, part := range strings.Split(path, ".") {
		if v.Kind() != reflect.Struct {
			return nil, fmt.Errorf("unknown path: %s", path)
		}
		field, ok := fieldByTag(v, part)
		if !ok {
			return nil, fmt.Errorf("unknown path: %s", path)
		}
		v = field
	}
	return v.Interface(), nil
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}
