// Package config loads the process configuration: compiled-in defaults,
// overlaid by an optional YAML file, overlaid by environment variables and
// explicit dotted-path overrides. Later layers win.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
)

type (
	// Config is the full process configuration.
	Config struct {
		// Log configures structured logging.
		Log LogConfig `yaml:"log"`
		// Listen is the tool surface listen address.
		Listen string `yaml:"listen"`
		// Backend selects the persistence backend: memory, redis, or mongo.
		Backend string `yaml:"backend"`
		// Redis configures the redis backend and the redis memory stores.
		Redis RedisConfig `yaml:"redis"`
		// Mongo configures the mongo message log backend.
		Mongo MongoConfig `yaml:"mongo"`
		// Router configures inter-pool routing.
		Router RouterConfig `yaml:"router"`
		// Spawn configures pool scale-up.
		Spawn SpawnConfig `yaml:"spawn"`
		// Rate configures the per-scope rate limits.
		Rate map[string]RateConfig `yaml:"rate"`
		// Circuit configures the per-adapter circuit breakers.
		Circuit map[string]CircuitConfig `yaml:"circuit"`
		// Bus configures the message bus endpoints and signing secrets.
		Bus BusConfig `yaml:"bus"`
		// Pools are the pools created at startup.
		Pools map[string]PoolConfig `yaml:"pools"`
	}

	// LogConfig configures structured logging.
	LogConfig struct {
		// Level is debug, info, warn, or error.
		Level string `yaml:"level"`
		// Format is text or json.
		Format string `yaml:"format"`
	}

	// RedisConfig locates the redis backend.
	RedisConfig struct {
		Addr      string `yaml:"addr"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		Namespace string `yaml:"namespace"`
	}

	// MongoConfig locates the mongo backend.
	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// RouterConfig configures inter-pool routing.
	RouterConfig struct {
		Strategy string `yaml:"strategy"`
	}

	// SpawnConfig configures pool scale-up.
	SpawnConfig struct {
		// BudgetSeconds is the overall deadline for one scale-up.
		BudgetSeconds float64 `yaml:"budget_seconds"`
	}

	// RateConfig configures one rate limit scope.
	RateConfig struct {
		// RPS is the token refill rate.
		RPS float64 `yaml:"rps"`
		// Burst is the token bucket capacity.
		Burst int `yaml:"burst"`
		// WindowSeconds is the sliding window length.
		WindowSeconds float64 `yaml:"window_seconds"`
		// Limit bounds requests inside the sliding window.
		Limit int `yaml:"limit"`
		// Exempt subjects bypass the limiter.
		Exempt []string `yaml:"exempt"`
	}

	// CircuitConfig configures one adapter's breaker.
	CircuitConfig struct {
		Threshold       int     `yaml:"threshold"`
		CooldownSeconds float64 `yaml:"cooldown_seconds"`
		MaxAttempts     int     `yaml:"max_attempts"`
	}

	// BusConfig configures the message bus.
	BusConfig struct {
		// Repos are the registered repository endpoints.
		Repos []string `yaml:"repos"`
		// Secrets maps repo names to HMAC signing keys.
		Secrets map[string]string `yaml:"secrets"`
	}

	// PoolConfig describes one pool created at startup.
	PoolConfig struct {
		Kind       string   `yaml:"kind"`
		Min        int      `yaml:"min"`
		Max        int      `yaml:"max"`
		Strategy   string   `yaml:"strategy"`
		QueueDepth int      `yaml:"queue_depth"`
		Command    []string `yaml:"command"`
		Image      string   `yaml:"image"`
		Peer       string   `yaml:"peer"`
		Priority   int      `yaml:"priority"`
	}
)

// envPrefix namespaces the process's environment variables.
const envPrefix = "MAHAVISHNU_"

// Default returns the compiled-in defaults.
func Default() Config {
	return Config{
		Log:     LogConfig{Level: "info", Format: "text"},
		Listen:  ":8420",
		Backend: "memory",
		Redis:   RedisConfig{Addr: "localhost:6379", Namespace: "mahavishnu"},
		Mongo:   MongoConfig{URI: "mongodb://localhost:27017", Database: "mahavishnu"},
		Router:  RouterConfig{Strategy: "round-robin"},
		Spawn:   SpawnConfig{BudgetSeconds: 30},
		Rate: map[string]RateConfig{
			"default": {RPS: 50, Burst: 100, WindowSeconds: 1, Limit: 50},
		},
		Circuit: map[string]CircuitConfig{
			"default": {Threshold: 5, CooldownSeconds: 30, MaxAttempts: 3},
		},
		Bus:   BusConfig{Secrets: map[string]string{}},
		Pools: map[string]PoolConfig{},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (when
// non-empty), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, orcerrors.Wrap(orcerrors.KindConfig, "read config file", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, orcerrors.Wrap(orcerrors.KindConfig, "parse config file", err)
		}
	}
	if err := cfg.applyEnv(os.Environ()); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SpawnBudget returns the scale-up deadline as a duration.
func (c Config) SpawnBudget() time.Duration {
	return time.Duration(c.Spawn.BudgetSeconds * float64(time.Second))
}

// Validate rejects configurations the kernel cannot start with.
func (c Config) Validate() error {
	switch c.Backend {
	case "memory", "redis", "mongo":
	default:
		return orcerrors.Newf(orcerrors.KindConfig, "unknown backend %q", c.Backend)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return orcerrors.Newf(orcerrors.KindConfig, "unknown log level %q", c.Log.Level)
	}
	for id, pc := range c.Pools {
		if pc.Max < 1 {
			return orcerrors.Newf(orcerrors.KindConfig, "pool %q: max must be at least 1", id)
		}
		if pc.Min < 0 || pc.Min > pc.Max {
			return orcerrors.Newf(orcerrors.KindConfig, "pool %q: min %d out of range [0, %d]", id, pc.Min, pc.Max)
		}
	}
	for repo := range c.Bus.Secrets {
		if !contains(c.Bus.Repos, repo) {
			return orcerrors.Newf(orcerrors.KindConfig, "bus secret for unregistered repo %q", repo)
		}
	}
	return nil
}

// Apply sets one dotted-path override, e.g. "router.strategy=least-loaded"
// split into key and value. Supported keys:
//
//	pool.<id>.min | pool.<id>.max | pool.<id>.strategy
//	router.strategy
//	rate.<scope>.rps | rate.<scope>.burst
//	circuit.<adapter>.threshold | circuit.<adapter>.cooldown | circuit.<adapter>.max_attempts
//	bus.secret.<repo>
//	spawn.budget_seconds
func (c *Config) Apply(key, value string) error {
	parts := strings.Split(key, ".")
	switch {
	case key == "router.strategy":
		c.Router.Strategy = value
		return nil
	case key == "spawn.budget_seconds":
		return setFloat(&c.Spawn.BudgetSeconds, key, value)
	case len(parts) == 3 && parts[0] == "pool":
		return c.applyPool(parts[1], parts[2], value)
	case len(parts) == 3 && parts[0] == "rate":
		return c.applyRate(parts[1], parts[2], value)
	case len(parts) == 3 && parts[0] == "circuit":
		return c.applyCircuit(parts[1], parts[2], value)
	case len(parts) == 3 && parts[0] == "bus" && parts[1] == "secret":
		repo := parts[2]
		if c.Bus.Secrets == nil {
			c.Bus.Secrets = make(map[string]string)
		}
		c.Bus.Secrets[repo] = value
		if !contains(c.Bus.Repos, repo) {
			c.Bus.Repos = append(c.Bus.Repos, repo)
		}
		return nil
	}
	return orcerrors.Newf(orcerrors.KindConfig, "unknown config key %q", key)
}

func (c *Config) applyPool(id, field, value string) error {
	pc := c.Pools[id]
	var err error
	switch field {
	case "min":
		err = setInt(&pc.Min, "pool."+id+".min", value)
	case "max":
		err = setInt(&pc.Max, "pool."+id+".max", value)
	case "strategy":
		pc.Strategy = value
	default:
		return orcerrors.Newf(orcerrors.KindConfig, "unknown pool config field %q", field)
	}
	if err != nil {
		return err
	}
	if c.Pools == nil {
		c.Pools = make(map[string]PoolConfig)
	}
	c.Pools[id] = pc
	return nil
}

func (c *Config) applyRate(scope, field, value string) error {
	rc := c.Rate[scope]
	var err error
	switch field {
	case "rps":
		err = setFloat(&rc.RPS, "rate."+scope+".rps", value)
	case "burst":
		err = setInt(&rc.Burst, "rate."+scope+".burst", value)
	default:
		return orcerrors.Newf(orcerrors.KindConfig, "unknown rate config field %q", field)
	}
	if err != nil {
		return err
	}
	if c.Rate == nil {
		c.Rate = make(map[string]RateConfig)
	}
	c.Rate[scope] = rc
	return nil
}

func (c *Config) applyCircuit(adapter, field, value string) error {
	cc := c.Circuit[adapter]
	var err error
	switch field {
	case "threshold":
		err = setInt(&cc.Threshold, "circuit."+adapter+".threshold", value)
	case "cooldown":
		err = setFloat(&cc.CooldownSeconds, "circuit."+adapter+".cooldown", value)
	case "max_attempts":
		err = setInt(&cc.MaxAttempts, "circuit."+adapter+".max_attempts", value)
	default:
		return orcerrors.Newf(orcerrors.KindConfig, "unknown circuit config field %q", field)
	}
	if err != nil {
		return err
	}
	if c.Circuit == nil {
		c.Circuit = make(map[string]CircuitConfig)
	}
	c.Circuit[adapter] = cc
	return nil
}

// applyEnv maps MAHAVISHNU_* variables onto dotted-path overrides. The tail
// of a pool/rate/circuit/secret variable names the field, the middle names
// the scope, so scope names may themselves contain underscores.
func (c *Config) applyEnv(environ []string) error {
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, envPrefix) {
			continue
		}
		key, ok := envKey(strings.TrimPrefix(name, envPrefix))
		if !ok {
			continue
		}
		if err := c.Apply(key, value); err != nil {
			return err
		}
	}
	return nil
}

// envKey converts an environment variable suffix into a dotted config key.
func envKey(name string) (string, bool) {
	lower := strings.ToLower(name)
	switch lower {
	case "router_strategy":
		return "router.strategy", true
	case "spawn_budget_seconds":
		return "spawn.budget_seconds", true
	}
	for _, shape := range []struct{ prefix, dotted string }{
		{"pool_", "pool."},
		{"rate_", "rate."},
		{"circuit_", "circuit."},
	} {
		if !strings.HasPrefix(lower, shape.prefix) {
			continue
		}
		rest := strings.TrimPrefix(lower, shape.prefix)
		i := strings.LastIndex(rest, "_")
		if i <= 0 {
			return "", false
		}
		scope, field := rest[:i], rest[i+1:]
		if field == "attempts" && strings.HasSuffix(scope, "_max") {
			scope = strings.TrimSuffix(scope, "_max")
			field = "max_attempts"
		}
		return shape.dotted + scope + "." + field, true
	}
	if strings.HasPrefix(lower, "bus_secret_") {
		return "bus.secret." + strings.TrimPrefix(lower, "bus_secret_"), true
	}
	return "", false
}

func setInt(dst *int, key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return orcerrors.Newf(orcerrors.KindConfig, "config key %q: %q is not an integer", key, value)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key, value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return orcerrors.Newf(orcerrors.KindConfig, "config key %q: %q is not a number", key, value)
	}
	*dst = f
	return nil
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
