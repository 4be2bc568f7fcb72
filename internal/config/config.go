// Package config loads natchat client and server settings from YAML files
// and the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvServer   = "NATCHAT_SERVER"
	EnvSTUN     = "STUN_SERVER"
	EnvPort     = "PORT"
	EnvLogLevel = "NATCHAT_LOG_LEVEL"
)

// DefaultPort is the rendezvous server port.
const DefaultPort = 10000

// DefaultSTUNServers are public Binding servers tried in order.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// Rendezvous locates the rendezvous server. URL wins over Host/Port/UseHTTPS.
type Rendezvous struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	UseHTTPS bool   `yaml:"use_https"`
}

// BaseURL returns the server URL, building it from Host and Port when URL is
// not set. Default ports for the scheme are left out.
func (r Rendezvous) BaseURL() string {
	if r.URL != "" {
		return strings.TrimRight(r.URL, "/")
	}
	scheme, defPort := "http", 80
	if r.UseHTTPS {
		scheme, defPort = "https", 443
	}
	if r.Port == 0 || r.Port == defPort {
		return scheme + "://" + r.Host
	}
	return scheme + "://" + net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// STUN lists the servers used for endpoint discovery.
type STUN struct {
	Servers []string      `yaml:"servers"`
	Timeout time.Duration `yaml:"timeout"`

	// RequireDiscovery disables the local address fallback when every
	// server fails.
	RequireDiscovery bool `yaml:"require_discovery"`
}

// Peer holds the client-side timings.
type Peer struct {
	LocalPort         int           `yaml:"local_port"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	PunchInterval     time.Duration `yaml:"punch_interval"`
	PunchAttempts     int           `yaml:"punch_attempts"`
	PunchBackoff      string        `yaml:"punch_backoff"`
	PunchTimeout      time.Duration `yaml:"punch_timeout"`
	RegisterRetries   int           `yaml:"register_retries"`
	RegisterDelay     time.Duration `yaml:"register_delay"`
	LookupAttempts    int           `yaml:"lookup_attempts"`
	LookupDelay       time.Duration `yaml:"lookup_delay"`
	RefreshInterval   time.Duration `yaml:"refresh_interval"`
}

// Log configures internal/logging.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Client is the natchat peer configuration.
type Client struct {
	Server Rendezvous `yaml:"server"`
	STUN   STUN       `yaml:"stun"`
	Client Peer       `yaml:"client"`
	Log    Log        `yaml:"log"`
}

// Listen configures the rendezvous HTTP listener.
type Listen struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// STUNListen configures the optional built-in STUN responder. An empty Addr
// disables it.
type STUNListen struct {
	Addr string `yaml:"addr"`
}

// Server is the natchat-server configuration.
type Server struct {
	Server Listen     `yaml:"server"`
	STUN   STUNListen `yaml:"stun"`
	Log    Log        `yaml:"log"`
}

// DefaultClient returns sensible default configuration.
func DefaultClient() Client {
	return Client{
		Server: Rendezvous{Host: "localhost", Port: DefaultPort},
		STUN: STUN{
			Servers: append([]string(nil), DefaultSTUNServers...),
			Timeout: 5 * time.Second,
		},
		Client: Peer{
			LocalPort:         0,
			KeepAliveInterval: 15 * time.Second,
			PunchInterval:     500 * time.Millisecond,
			PunchAttempts:     10,
			PunchBackoff:      "constant",
			PunchTimeout:      30 * time.Second,
			RegisterRetries:   3,
			RegisterDelay:     2 * time.Second,
			LookupAttempts:    30,
			LookupDelay:       2 * time.Second,
			RefreshInterval:   240 * time.Second,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// DefaultServer returns sensible default configuration.
func DefaultServer() Server {
	return Server{
		Server: Listen{
			Addr:         fmt.Sprintf(":%d", DefaultPort),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			PingInterval: 30 * time.Second,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// LoadClient reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()
	if err := readFile(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.applyEnv(os.LookupEnv)
	return cfg, cfg.Validate()
}

// LoadServer reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()
	if err := readFile(path, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func readFile(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Client) applyEnv(lookup lookupFunc) {
	if v, ok := lookup(EnvServer); ok && v != "" {
		c.Server.URL = v
	}
	if v, ok := lookup(EnvSTUN); ok && v != "" {
		c.STUN.Servers = SplitList(v)
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
}

func (s *Server) applyEnv(lookup lookupFunc) error {
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("invalid %s %q", EnvPort, v)
		}
		s.Server.Addr = fmt.Sprintf(":%d", port)
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		s.Log.Level = v
	}
	return nil
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every invalid setting at once.
func (c Client) Validate() error {
	var errs []error
	if c.Server.URL == "" && c.Server.Host == "" {
		errs = append(errs, errors.New("server url is required"))
	}
	if len(c.STUN.Servers) == 0 {
		errs = append(errs, errors.New("at least one stun server is required"))
	}
	if c.STUN.Timeout <= 0 {
		errs = append(errs, errors.New("stun timeout must be positive"))
	}

	p := c.Client
	if p.LocalPort < 0 || p.LocalPort > 65535 {
		errs = append(errs, fmt.Errorf("local port %d out of range", p.LocalPort))
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"keepalive_interval", p.KeepAliveInterval},
		{"punch_interval", p.PunchInterval},
		{"register_delay", p.RegisterDelay},
		{"lookup_delay", p.LookupDelay},
		{"refresh_interval", p.RefreshInterval},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if p.PunchTimeout < 0 {
		errs = append(errs, errors.New("punch_timeout must not be negative"))
	}
	if p.PunchAttempts < 1 {
		errs = append(errs, errors.New("punch_attempts must be at least 1"))
	}
	if p.RegisterRetries < 1 {
		errs = append(errs, errors.New("register_retries must be at least 1"))
	}
	if p.LookupAttempts < 1 {
		errs = append(errs, errors.New("lookup_attempts must be at least 1"))
	}
	switch p.PunchBackoff {
	case "", "constant", "exponential":
	default:
		errs = append(errs, fmt.Errorf("unknown punch_backoff %q", p.PunchBackoff))
	}
	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (s Server) Validate() error {
	var errs []error
	if s.Server.Addr == "" {
		errs = append(errs, errors.New("server addr is required"))
	}
	if s.Server.ReadTimeout <= 0 || s.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server timeouts must be positive"))
	}
	if s.Server.PingInterval <= 0 {
		errs = append(errs, errors.New("ping_interval must be positive"))
	}
	return errors.Join(errs...)
}
