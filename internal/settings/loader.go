package settings

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// loadRaw reads a settings file into a raw map, resolving $include
// directives relative to the file. Environment variables expand in
// string values after parsing, so the $include key itself and other
// $-prefixed keys survive expansion.
func loadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("settings path is required")
	}
	seen := map[string]bool{}
	return loadRawRecursive(path, seen)
}

func loadRawRecursive(path string, seen map[string]bool) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[absPath] {
		return nil, fmt.Errorf("settings include cycle detected at %s", absPath)
	}
	seen[absPath] = true
	defer delete(seen, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	raw, err := parseRawBytes(data, absPath)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", absPath, err)
	}
	expandEnvValues(raw)

	includes, err := extractIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", absPath, err)
	}

	merged := map[string]any{}
	baseDir := filepath.Dir(absPath)
	for _, inc := range includes {
		if strings.TrimSpace(inc) == "" {
			continue
		}
		incPath := inc
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(baseDir, incPath)
		}
		incRaw, err := loadRawRecursive(incPath, seen)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, incRaw)
	}

	// The including file wins over anything it pulled in.
	return mergeMaps(merged, raw), nil
}

// parseRawBytes picks the parser by extension: .json/.json5 use JSON5,
// everything else is YAML.
func parseRawBytes(data []byte, pathHint string) (map[string]any, error) {
	ext := strings.ToLower(filepath.Ext(pathHint))
	if ext == ".json" || ext == ".json5" {
		var raw map[string]any
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		if raw == nil {
			raw = map[string]any{}
		}
		normalized, _ := asStringMap(normalizeValue(raw))
		return normalized, nil
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		if err == io.EOF {
			return map[string]any{}, nil
		}
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("expected a single document")
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// expandEnvValues expands environment references in every string value
// of the parsed document, in place. Keys are left alone. Expanding
// after the parse keeps the $include directive out of ExpandEnv's
// reach; include paths still expand since they are values.
func expandEnvValues(raw map[string]any) {
	for k, v := range raw {
		raw[k] = expandEnvValue(v)
	}
}

func expandEnvValue(v any) any {
	switch typed := v.(type) {
	case string:
		return os.ExpandEnv(typed)
	case map[string]any:
		expandEnvValues(typed)
		return typed
	case map[any]any:
		for k, val := range typed {
			typed[k] = expandEnvValue(val)
		}
		return typed
	case []any:
		for i, val := range typed {
			typed[i] = expandEnvValue(val)
		}
		return typed
	default:
		return v
	}
}

func extractIncludes(raw map[string]any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	val, ok := raw[includeKey]
	if !ok {
		return nil, nil
	}
	delete(raw, includeKey)

	switch typed := val.(type) {
	case string:
		return []string{typed}, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings")
			}
			paths = append(paths, s)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("$include must be a string or list of strings")
	}
}

// mergeMaps deep-merges src into dst. Nested maps merge recursively;
// everything else, including lists, is replaced wholesale.
func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if valueMap, ok := asStringMap(value); ok {
			if existing, ok := asStringMap(dst[key]); ok {
				dst[key] = mergeMaps(existing, valueMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// asStringMap normalizes the two map shapes the parsers produce. JSON5
// already yields map[string]any; YAML can yield map[any]any for some
// documents.
func asStringMap(v any) (map[string]any, bool) {
	switch typed := v.(type) {
	case map[string]any:
		return typed, true
	case map[any]any:
		out := make(map[string]any, len(typed))
		for k, val := range typed {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// normalizeValue rewrites integral float64 values, which is all JSON5
// gives us for numbers, into ints so they decode into integer settings
// fields.
func normalizeValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		for k, val := range typed {
			typed[k] = normalizeValue(val)
		}
		return typed
	case []any:
		for i, val := range typed {
			typed[i] = normalizeValue(val)
		}
		return typed
	case float64:
		if typed == math.Trunc(typed) && !math.IsInf(typed, 0) {
			return int(typed)
		}
		return typed
	default:
		return v
	}
}

// setPath writes value into raw at a dot-separated path, creating
// intermediate maps and replacing non-map intermediates.
func setPath(raw map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	node := raw
	for i, part := range parts {
		if i == len(parts)-1 {
			node[part] = value
			return
		}
		child, ok := asStringMap(node[part])
		if !ok {
			child = map[string]any{}
			node[part] = child
		}
		node[part] = child
		node = child
	}
}

// decodeStrict converts a raw merged map into Settings, rejecting unknown
// keys so typos surface instead of silently resolving to defaults.
func decodeStrict(raw map[string]any) (Settings, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return Settings{}, fmt.Errorf("serialize settings: %w", err)
	}
	var s Settings
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	return s, nil
}

// rawFromSettings serializes a Settings value back into the raw map form
// used by the merge chain. The built-in defaults enter the chain this way.
func rawFromSettings(s Settings) (map[string]any, error) {
	payload, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("serialize settings: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("reparse settings: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}
