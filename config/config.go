// Package config loads the TOML configuration of servers and clients.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

type Config struct {
	Log    Log    `toml:"log"`
	Server Server `toml:"server"`
	Client Client `toml:"client"`
}

type Log struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // json or console
}

type Server struct {
	Listen    string `toml:"listen"`
	Advertise string `toml:"advertise"` // address published to the registry, defaults to the bound address
	Service   string `toml:"service"`
	// Workers bounds concurrent invocations; 0 runs them on the read goroutine.
	Workers           int64         `toml:"workers"`
	SessionCapacity   int           `toml:"session_capacity"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	HeartbeatForce    bool          `toml:"heartbeat_force"`
	DeadAfter         time.Duration `toml:"dead_after"`
	HandlerTimeout    time.Duration `toml:"handler_timeout"`
	RateLimit         float64       `toml:"rate_limit"` // requests per second, 0 disables
	RateBurst         int           `toml:"rate_burst"`
	Etcd              []string      `toml:"etcd"`
	RegistryTTL       int64         `toml:"registry_ttl"` // seconds
	ShutdownTimeout   time.Duration `toml:"shutdown_timeout"`
}

type Endpoint struct {
	Addr   string `toml:"addr"`
	Weight int    `toml:"weight"`
}

type Client struct {
	Servers []Endpoint `toml:"servers"`
	Service string     `toml:"service"`
	Etcd    []string   `toml:"etcd"`
	// ErrorBlock is how long a server is skipped after an I/O failure.
	ErrorBlock        time.Duration `toml:"error_block"`
	RetryTimes        int           `toml:"retry_times"`
	RetryInterval     time.Duration `toml:"retry_interval"`
	ConnectTimeout    time.Duration `toml:"connect_timeout"`
	ReadTimeout       time.Duration `toml:"read_timeout"` // bounds every call
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	Session           bool          `toml:"session"`
}

func Default() *Config {
	return &Config{
		Log: Log{Level: "info", Format: "console"},
		Server: Server{
			Listen:            "127.0.0.1:9000",
			Service:           "Arith",
			Workers:           64,
			SessionCapacity:   1024,
			HeartbeatInterval: 10 * time.Second,
			HandlerTimeout:    5 * time.Second,
			RateBurst:         100,
			RegistryTTL:       10,
			ShutdownTimeout:   5 * time.Second,
		},
		Client: Client{
			Service:           "Arith",
			ErrorBlock:        30 * time.Second,
			RetryTimes:        3,
			RetryInterval:     100 * time.Millisecond,
			ConnectTimeout:    3 * time.Second,
			ReadTimeout:       5 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			Session:           true,
		},
	}
}

// Load applies defaults, then the TOML file at path (if not empty), then
// FTRPC_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, errors.Errorf("config %s: unknown keys %v", path, undecoded)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	str("FTRPC_LOG_LEVEL", &c.Log.Level)
	str("FTRPC_LOG_FORMAT", &c.Log.Format)
	str("FTRPC_SERVER_LISTEN", &c.Server.Listen)
	str("FTRPC_SERVER_ADVERTISE", &c.Server.Advertise)

	if v := getenv("FTRPC_SERVER_WORKERS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrap(err, "FTRPC_SERVER_WORKERS")
		}
		c.Server.Workers = n
	}
	if v := getenv("FTRPC_ETCD"); v != "" {
		c.Server.Etcd = strings.Split(v, ",")
		c.Client.Etcd = strings.Split(v, ",")
	}
	if v := getenv("FTRPC_CLIENT_SERVERS"); v != "" {
		servers, err := ParseEndpoints(v)
		if err != nil {
			return errors.Wrap(err, "FTRPC_CLIENT_SERVERS")
		}
		c.Client.Servers = servers
	}
	if v := getenv("FTRPC_CLIENT_RETRY_TIMES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "FTRPC_CLIENT_RETRY_TIMES")
		}
		c.Client.RetryTimes = n
	}
	if v := getenv("FTRPC_CLIENT_READ_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "FTRPC_CLIENT_READ_TIMEOUT")
		}
		c.Client.ReadTimeout = d
	}
	return nil
}

// ParseEndpoints parses "host:port[=weight],...".
func ParseEndpoints(s string) ([]Endpoint, error) {
	var out []Endpoint
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ep := Endpoint{Addr: part, Weight: 1}
		if addr, w, ok := strings.Cut(part, "="); ok {
			weight, err := strconv.Atoi(w)
			if err != nil {
				return nil, errors.Wrapf(err, "weight of %s", addr)
			}
			ep = Endpoint{Addr: addr, Weight: weight}
		}
		out = append(out, ep)
	}
	return out, nil
}

func (s *Server) Validate() error {
	switch {
	case s.Listen == "":
		return errors.New("config: server.listen is empty")
	case s.Workers < 0:
		return errors.New("config: server.workers is negative")
	case s.SessionCapacity <= 0:
		return errors.New("config: server.session_capacity must be positive")
	case s.HeartbeatInterval <= 0:
		return errors.New("config: server.heartbeat_interval must be positive")
	case s.DeadAfter < 0 || s.HandlerTimeout < 0 || s.ShutdownTimeout < 0:
		return errors.New("config: server durations must not be negative")
	case s.RateLimit < 0 || (s.RateLimit > 0 && s.RateBurst <= 0):
		return errors.New("config: server.rate_limit needs a positive rate_burst")
	case len(s.Etcd) > 0 && (s.Service == "" || s.RegistryTTL <= 0):
		return errors.New("config: registration needs server.service and a positive server.registry_ttl")
	}
	return nil
}

func (c *Client) Validate() error {
	if len(c.Servers) == 0 && len(c.Etcd) == 0 {
		return errors.New("config: client needs servers or etcd endpoints")
	}
	return c.ValidateForDiscovery()
}

// ValidateForDiscovery is Validate for a client whose server list comes from
// a registry handed over in code.
func (c *Client) ValidateForDiscovery() error {
	switch {
	case len(c.Etcd) > 0 && c.Service == "":
		return errors.New("config: discovery needs client.service")
	case c.RetryTimes < 1:
		return errors.New("config: client.retry_times must be at least 1")
	case c.ErrorBlock <= 0 || c.ConnectTimeout <= 0 || c.ReadTimeout <= 0:
		return errors.New("config: client error_block, connect_timeout and read_timeout must be positive")
	case c.RetryInterval < 0 || c.HeartbeatInterval < 0:
		return errors.New("config: client durations must not be negative")
	}
	for _, s := range c.Servers {
		if s.Addr == "" {
			return errors.New("config: client server without addr")
		}
	}
	return nil
}
