package appconfig

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// ErrMissingKey is returned when a section or key a run needs is absent.
var ErrMissingKey = errors.New("missing config key")

// maxInterpolationDepth bounds chained ${...} references.
const maxInterpolationDepth = 10

// File is a parsed sectioned config file. Values are kept as raw strings and
// interpolated on read, so overrides set after parsing are visible to
// references in other keys.
type File struct {
	sections map[string]map[string]string
}

// Parse decodes a YAML document whose top level maps section names to flat
// key/value mappings. JSON documents are accepted as well.
func Parse(data []byte) (*File, error) {
	var raw map[string]map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	f := &File{sections: make(map[string]map[string]string, len(raw))}
	for name, kv := range raw {
		sec := make(map[string]string, len(kv))
		for k, v := range kv {
			s, err := scalar(v)
			if err != nil {
				return nil, fmt.Errorf("config [%s] %s: %w", name, k, err)
			}
			sec[k] = s
		}
		f.sections[name] = sec
	}
	return f, nil
}

func scalar(v interface{}) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case []interface{}:
		parts := make([]string, len(x))
		for i, e := range x {
			s, err := scalar(e)
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("unsupported value of type %T", v)
	}
}

// ReadFile parses the config file at path.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// HasSection reports whether the section exists.
func (f *File) HasSection(section string) bool {
	_, ok := f.sections[section]
	return ok
}

// Has reports whether key is set in section.
func (f *File) Has(section, key string) bool {
	_, ok := f.sections[section][key]
	return ok
}

// Keys lists the keys of a section in sorted order.
func (f *File) Keys(section string) []string {
	keys := make([]string, 0, len(f.sections[section]))
	for k := range f.sections[section] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set stores a raw value, creating the section if needed.
func (f *File) Set(section, key, value string) {
	if f.sections == nil {
		f.sections = make(map[string]map[string]string)
	}
	if f.sections[section] == nil {
		f.sections[section] = make(map[string]string)
	}
	f.sections[section][key] = value
}

// Get returns the interpolated value of key in section. ${key} refers to
// another key of the same section, ${section:key} to any section, and $$ is
// a literal dollar sign.
func (f *File) Get(section, key string) (string, error) {
	return f.get(section, key, 0)
}

// GetDefault is Get with a fallback for absent keys.
func (f *File) GetDefault(section, key, def string) (string, error) {
	if !f.Has(section, key) {
		return def, nil
	}
	return f.Get(section, key)
}

func (f *File) get(section, key string, depth int) (string, error) {
	sec, ok := f.sections[section]
	if !ok {
		return "", fmt.Errorf("%w: no section [%s]", ErrMissingKey, section)
	}
	v, ok := sec[key]
	if !ok {
		return "", fmt.Errorf("%w: [%s] %s", ErrMissingKey, section, key)
	}
	return f.interpolate(section, key, v, depth)
}

func (f *File) interpolate(section, key, v string, depth int) (string, error) {
	if depth > maxInterpolationDepth {
		return "", fmt.Errorf("interpolation of [%s] %s is too deeply nested", section, key)
	}
	var b strings.Builder
	for {
		i := strings.IndexByte(v, '$')
		if i < 0 {
			b.WriteString(v)
			return b.String(), nil
		}
		b.WriteString(v[:i])
		rest := v[i+1:]
		switch {
		case strings.HasPrefix(rest, "$"):
			b.WriteByte('$')
			v = rest[1:]
		case strings.HasPrefix(rest, "{"):
			end := strings.IndexByte(rest, '}')
			if end < 0 {
				return "", fmt.Errorf("bad interpolation syntax in [%s] %s: unterminated ${", section, key)
			}
			refSection, refKey := section, rest[1:end]
			if s, k, ok := strings.Cut(refKey, ":"); ok {
				refSection, refKey = s, k
			}
			val, err := f.get(refSection, refKey, depth+1)
			if err != nil {
				return "", fmt.Errorf("interpolating [%s] %s: %w", section, key, err)
			}
			b.WriteString(val)
			v = rest[end+1:]
		default:
			return "", fmt.Errorf("bad interpolation syntax in [%s] %s: '$' must be followed by '$' or '{'", section, key)
		}
	}
}
