package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// DefaultEnvPrefix is the prefix of environment variables read by the loader.
// ARENAKV_ARENA_SIZE sets arena.size.
const DefaultEnvPrefix = "ARENAKV_"

// Loader merges configuration sources. Later sources win:
// defaults, file, environment, overrides.
type Loader struct {
	k         *koanf.Koanf
	envPrefix string
	filePath  string
	overrides map[string]any
}

type Option func(*Loader)

func WithConfigFile(path string) Option {
	return func(l *Loader) {
		l.filePath = path
	}
}

func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// WithOverrides sets values that take precedence over every other source,
// keyed by their dotted path (for example "arena.size").
func WithOverrides(values map[string]any) Option {
	return func(l *Loader) {
		l.overrides = values
	}
}

func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		k:         koanf.New("."),
		envPrefix: DefaultEnvPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load fills target, which should already hold the defaults.
func (l *Loader) Load(target *Config) error {
	if l.filePath != "" {
		if err := l.k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return errors.Wrapf(err, "load config file %s", l.filePath)
		}
	}

	prefix := l.envPrefix
	transform := func(s string) string {
		s = strings.TrimPrefix(s, prefix)
		return strings.ReplaceAll(strings.ToLower(s), "_", ".")
	}
	if err := l.k.Load(env.Provider(prefix, ".", transform), nil); err != nil {
		return errors.Wrap(err, "load env")
	}

	if len(l.overrides) > 0 {
		if err := l.k.Load(mapProvider(l.overrides), nil); err != nil {
			return errors.Wrap(err, "load overrides")
		}
	}

	if err := l.k.Unmarshal("", target); err != nil {
		return errors.Wrap(err, "unmarshal config")
	}
	return nil
}

// Load is a shortcut for the defaults merged with every source, validated.
func Load(opts ...Option) (*Config, error) {
	cfg := Default()
	if err := NewLoader(opts...).Load(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var errReadBytesNotSupported = errors.New("config: map provider does not support ReadBytes")

// mapProvider feeds a dotted-key map into koanf.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errReadBytesNotSupported
}

func (m mapProvider) Read() (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		setPath(out, strings.Split(k, "."), v)
	}
	return out, nil
}

func setPath(dst map[string]any, path []string, v any) {
	for _, p := range path[:len(path)-1] {
		next, ok := dst[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			dst[p] = next
		}
		dst = next
	}
	dst[path[len(path)-1]] = v
}
