package kconfig

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/consul"
	"github.com/knadh/koanf/providers/etcd"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// BackendType selects which koanf provider a Loader reads from.
type BackendType string

const (
	BackendFile      BackendType = "file"
	BackendConsul    BackendType = "consul"
	BackendEtcd      BackendType = "etcd"
	BackendZookeeper BackendType = "zookeeper"
)

// LoaderOptions configures where the kernel's config document lives and
// whether the Loader should keep watching it for live reload.
type LoaderOptions struct {
	Type BackendType

	// Path is the file path, or the key/znode path for the remote backends.
	Path string

	Endpoints []string

	Watch bool

	OnChange func(*Config) error

	Log *slog.Logger
}

// Loader reads a Config document from one of four backends (local file,
// Consul KV, etcd, or ZooKeeper), expands environment variable
// references, and optionally watches the backend for changes.
type Loader struct {
	koanf    *koanf.Koanf
	options  LoaderOptions
	parser   *yaml.YAML
	stopChan chan struct{}
}

func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Type == "" {
		opts.Type = BackendFile
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	if len(opts.Endpoints) == 0 {
		switch opts.Type {
		case BackendConsul:
			opts.Endpoints = []string{"localhost:8500"}
		case BackendEtcd:
			opts.Endpoints = []string{"localhost:2379"}
		case BackendZookeeper:
			opts.Endpoints = []string{"localhost:2181"}
		}
	}

	return &Loader{
		koanf:    koanf.New("."),
		options:  opts,
		parser:   yaml.Parser(),
		stopChan: make(chan struct{}),
	}, nil
}

// Load reads the config document once, expands env vars, unmarshals,
// applies defaults, validates, and — if Watch is set — starts a
// background watcher that re-runs the same pipeline on change.
func (l *Loader) Load() (*Config, error) {
	provider, parser, err := l.buildProvider()
	if err != nil {
		return nil, err
	}

	if err := l.koanf.Load(provider, parser); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", l.options.Type, err)
	}

	if err := l.expandEnvVarsInKoanf(); err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	cfg, err := l.unmarshalAndProcess()
	if err != nil {
		return nil, err
	}

	if l.options.Watch {
		go l.watch(provider)
	}

	return cfg, nil
}

func (l *Loader) buildProvider() (koanf.Provider, koanf.Parser, error) {
	switch l.options.Type {
	case BackendFile:
		return file.Provider(l.options.Path), l.parser, nil

	case BackendConsul:
		consulConfig := api.DefaultConfig()
		consulConfig.Address = l.options.Endpoints[0]
		return consul.Provider(consul.Config{Cfg: consulConfig, Key: l.options.Path}), nil, nil

	case BackendEtcd:
		return etcd.Provider(etcd.Config{
			Endpoints:   l.options.Endpoints,
			DialTimeout: 5 * time.Second,
			Key:         l.options.Path,
		}), nil, nil

	case BackendZookeeper:
		zkProvider, err := newZookeeperProvider(l.options.Endpoints, l.options.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create zookeeper provider: %w", err)
		}
		return zkProvider, l.parser, nil

	default:
		return nil, nil, fmt.Errorf("unsupported config backend: %s", l.options.Type)
	}
}

type watcher interface {
	Watch(cb func(event interface{}, err error)) error
}

func (l *Loader) reloadParser() koanf.Parser {
	if l.options.Type == BackendFile || l.options.Type == BackendZookeeper {
		return l.parser
	}
	return nil
}

func (l *Loader) watch(provider koanf.Provider) {
	w, ok := provider.(watcher)
	if !ok {
		l.options.Log.Warn("config backend does not support watching", "backend", l.options.Type)
		return
	}

	l.options.Log.Info("config watcher started", "backend", l.options.Type)

	err := w.Watch(func(event interface{}, err error) {
		select {
		case <-l.stopChan:
			return
		default:
		}

		if err != nil {
			l.options.Log.Warn("config watch error", "error", err)
			return
		}

		if err := l.koanf.Load(provider, l.reloadParser()); err != nil {
			l.options.Log.Warn("config reload failed", "error", err)
			return
		}
		if err := l.expandEnvVarsInKoanf(); err != nil {
			l.options.Log.Warn("config reload: env expansion failed", "error", err)
			return
		}

		newCfg, err := l.unmarshalAndProcess()
		if err != nil {
			l.options.Log.Warn("config reload: processing failed", "error", err)
			return
		}

		if l.options.OnChange != nil {
			if err := l.options.OnChange(newCfg); err != nil {
				l.options.Log.Warn("config change callback failed", "error", err)
			} else {
				l.options.Log.Info("configuration reloaded", "backend", l.options.Type)
			}
		}
	})
	if err != nil {
		l.options.Log.Warn("config watch stopped", "error", err)
	}
}

func (l *Loader) unmarshalAndProcess() (*Config, error) {
	cfg := &Config{}
	if err := l.koanf.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func (l *Loader) expandEnvVarsInKoanf() error {
	expanded := ExpandEnvVarsInData(l.koanf.Raw())

	expandedMap, ok := expanded.(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected type after env var expansion")
	}

	newKoanf := koanf.New(".")
	if err := newKoanf.Load(confmap.Provider(expandedMap, "."), nil); err != nil {
		return fmt.Errorf("failed to load expanded config: %w", err)
	}

	l.koanf = newKoanf
	return nil
}

// Stop ends an active background watcher started by Load.
func (l *Loader) Stop() {
	close(l.stopChan)
}

func (l *Loader) SetOnChange(callback func(*Config) error) {
	l.options.OnChange = callback
}

// LoadConfig is the common case: build a Loader and load it once.
func LoadConfig(opts LoaderOptions) (*Config, error) {
	loader, err := NewLoader(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create loader: %w", err)
	}
	return loader.Load()
}

// ParseBackendType accepts the CLI/env spelling of a backend name.
func ParseBackendType(s string) (BackendType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "file":
		return BackendFile, nil
	case "consul":
		return BackendConsul, nil
	case "etcd":
		return BackendEtcd, nil
	case "zookeeper", "zk":
		return BackendZookeeper, nil
	default:
		return "", fmt.Errorf("invalid config backend: %s (valid: file, consul, etcd, zookeeper)", s)
	}
}
