package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/consul"
	"github.com/knadh/koanf/providers/etcd"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// SourceType names where configuration is loaded from.
type SourceType string

const (
	SourceFile   SourceType = "file"
	SourceConsul SourceType = "consul"
	SourceEtcd   SourceType = "etcd"
)

// LoaderOptions controls how a Loader fetches and, optionally, watches
// configuration.
type LoaderOptions struct {
	Type      SourceType
	Path      string
	Endpoints []string
	EnvFile   string
	Watch     bool
	OnChange  func(*Config) error
}

// Loader loads and, optionally, watches the council's YAML configuration
// through koanf, merging in a .env overlay before unmarshaling.
type Loader struct {
	koanf    *koanf.Koanf
	options  LoaderOptions
	parser   *yaml.YAML
	stopChan chan struct{}
}

// NewLoader validates opts and returns a ready Loader.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Type == "" {
		opts.Type = SourceFile
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("config: path is required")
	}
	if len(opts.Endpoints) == 0 {
		switch opts.Type {
		case SourceConsul:
			opts.Endpoints = []string{"localhost:8500"}
		case SourceEtcd:
			opts.Endpoints = []string{"localhost:2379"}
		}
	}
	return &Loader{
		koanf:    koanf.New("."),
		options:  opts,
		parser:   yaml.Parser(),
		stopChan: make(chan struct{}),
	}, nil
}

func (l *Loader) buildProvider() (koanf.Provider, error) {
	switch l.options.Type {
	case SourceFile:
		return file.Provider(l.options.Path), nil
	case SourceConsul:
		cfg := api.DefaultConfig()
		cfg.Address = l.options.Endpoints[0]
		return consul.Provider(consul.Config{Cfg: cfg, Key: l.options.Path}), nil
	case SourceEtcd:
		return etcd.Provider(etcd.Config{
			Endpoints:   l.options.Endpoints,
			DialTimeout: 5 * time.Second,
			Key:         l.options.Path,
		}), nil
	default:
		return nil, fmt.Errorf("config: unsupported source type %q", l.options.Type)
	}
}

// Load reads configuration from the configured source, applies a .env
// overlay if EnvFile is set, unmarshals into a Config, fills defaults, and
// validates it.
func (l *Loader) Load() (*Config, error) {
	provider, err := l.buildProvider()
	if err != nil {
		return nil, err
	}

	var parser koanf.Parser
	if l.options.Type == SourceFile {
		parser = l.parser
	}
	if err := l.koanf.Load(provider, parser); err != nil {
		return nil, fmt.Errorf("config: load from %s: %w", l.options.Type, err)
	}

	if err := l.applyEnvOverlay(); err != nil {
		return nil, err
	}

	cfg, err := l.unmarshal()
	if err != nil {
		return nil, err
	}

	if l.options.Watch {
		go l.watch(provider)
	}
	return cfg, nil
}

func (l *Loader) applyEnvOverlay() error {
	if l.options.EnvFile == "" {
		return nil
	}
	envMap, err := godotenv.Read(l.options.EnvFile)
	if err != nil {
		return fmt.Errorf("config: read env file %s: %w", l.options.EnvFile, err)
	}
	overlay := make(map[string]interface{}, len(envMap))
	for k, v := range envMap {
		overlay[strings.ToLower(strings.ReplaceAll(k, "_", "."))] = v
	}
	if err := l.koanf.Load(confmap.Provider(overlay, "."), nil); err != nil {
		return fmt.Errorf("config: apply env overlay: %w", err)
	}
	return nil
}

func (l *Loader) unmarshal() (*Config, error) {
	cfg := &Config{}
	if err := l.koanf.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type watcher interface {
	Watch(cb func(event interface{}, err error)) error
}

func (l *Loader) watch(provider koanf.Provider) {
	w, ok := provider.(watcher)
	if !ok {
		slog.Warn("config: provider does not support watching", "type", l.options.Type)
		return
	}

	slog.Info("config: watcher started", "type", l.options.Type)
	err := w.Watch(func(_ interface{}, err error) {
		select {
		case <-l.stopChan:
			return
		default:
		}
		if err != nil {
			slog.Warn("config: watch error", "error", err)
			return
		}

		var parser koanf.Parser
		if l.options.Type == SourceFile {
			parser = l.parser
		}
		if err := l.koanf.Load(provider, parser); err != nil {
			slog.Warn("config: reload failed", "error", err)
			return
		}
		if err := l.applyEnvOverlay(); err != nil {
			slog.Warn("config: reload env overlay failed", "error", err)
			return
		}
		newCfg, err := l.unmarshal()
		if err != nil {
			slog.Warn("config: reloaded config invalid", "error", err)
			return
		}
		if l.options.OnChange != nil {
			if err := l.options.OnChange(newCfg); err != nil {
				slog.Warn("config: change callback failed", "error", err)
			}
		}
	})
	if err != nil {
		slog.Warn("config: watch stopped with error", "error", err)
	}
}

// Stop ends a background watch started by Load.
func (l *Loader) Stop() {
	close(l.stopChan)
}

// Load is a convenience wrapper for the common single-shot file load.
func Load(path string) (*Config, error) {
	loader, err := NewLoader(LoaderOptions{Type: SourceFile, Path: path})
	if err != nil {
		return nil, err
	}
	return loader.Load()
}
