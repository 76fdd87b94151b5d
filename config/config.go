// Package config holds the server's settings and how they are read from
// the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"lds.li/proxyfront/bare"
	"lds.li/proxyfront/dispatch"
	"lds.li/proxyfront/site"
)

const (
	DefaultPort = 3000

	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Config is the full set of server settings.
type Config struct {
	Port   int
	Dir    string
	Preset string

	WispPrefix string
	BarePrefix string

	// MetricsListen is the address of the separate metrics listener. Empty
	// disables it.
	MetricsListen string

	// UpstreamProxy routes engine egress through a CONNECT proxy.
	UpstreamProxy string
	UpstreamH2    bool
	// AllowPrivateEgress lets engines reach loopback and private addresses.
	AllowPrivateEgress bool

	// TailscaleHostname, when set, serves on a tailnet node instead of a
	// local port.
	TailscaleHostname string
	TailscaleStateDir string
	TailscaleAuthKey  string
	TailscaleFunnel   bool

	LogLevel  string
	LogFormat string
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Port:       DefaultPort,
		Dir:        ".",
		Preset:     site.PresetLily,
		WispPrefix: dispatch.DefaultPrefix,
		BarePrefix: bare.DefaultDirectory,
		LogLevel:   logrus.InfoLevel.String(),
		LogFormat:  LogFormatText,
	}
}

// LoadEnv loads .env files into the process environment, then applies the
// variables the server reads. Missing files are ignored; variables already
// set in the environment are not overridden.
func (c *Config) LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: loading %s: %w", f, err)
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: PORT %q is not a number", v)
		}
		c.Port = port
	}
	if v := os.Getenv("TS_AUTHKEY"); v != "" && c.TailscaleAuthKey == "" {
		c.TailscaleAuthKey = v
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.TailscaleHostname == "" && (c.Port < 1 || c.Port > 65535) {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.Dir == "" {
		return errors.New("config: dir is empty")
	}
	if !slices.Contains(site.Presets, c.Preset) {
		return fmt.Errorf("config: preset %q is not one of %s", c.Preset, strings.Join(site.Presets, ", "))
	}
	if !strings.HasPrefix(c.WispPrefix, "/") || !strings.HasSuffix(c.WispPrefix, "/") {
		return fmt.Errorf("config: wisp prefix %q must start and end with /", c.WispPrefix)
	}
	if !strings.HasPrefix(c.BarePrefix, "/") {
		return fmt.Errorf("config: bare prefix %q must start with /", c.BarePrefix)
	}
	bp := c.BarePrefix
	if !strings.HasSuffix(bp, "/") {
		bp += "/"
	}
	if strings.HasPrefix(bp, c.WispPrefix) || strings.HasPrefix(c.WispPrefix, bp) {
		return fmt.Errorf("config: wisp prefix %q and bare prefix %q overlap", c.WispPrefix, c.BarePrefix)
	}
	if c.UpstreamProxy != "" {
		u, err := url.Parse(c.UpstreamProxy)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: upstream proxy %q must be an http or https URL", c.UpstreamProxy)
		}
	}
	if c.TailscaleFunnel && c.TailscaleHostname == "" {
		return errors.New("config: funnel requires a tailscale hostname")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.LogFormat != LogFormatText && c.LogFormat != LogFormatJSON {
		return fmt.Errorf("config: log format %q is not text or json", c.LogFormat)
	}
	return nil
}

// NewLogger builds the process logger. Validate must have passed.
func (c *Config) NewLogger() *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	if c.LogFormat == LogFormatJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
