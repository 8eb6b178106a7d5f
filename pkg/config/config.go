// Package config loads the muxchan process configuration: the listening
// address, the routes served on it and the HTTP client settings.
package config

import (
	"fmt"
	"time"

	"github.com/sammck-go/muxchan/pkg/channel"
)

// Config is the top-level process configuration
type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	Log    LogConfig    `yaml:"log"`
	Routes []Route      `yaml:"routes"`
}

// ServerConfig configures the listening websocket/HTTP channel
type ServerConfig struct {
	// Listen is the host part of the listening channel url, e.g. "*:8080"
	Listen string `yaml:"listen"`

	// Metrics mounts the Prometheus handler at /metrics
	Metrics bool `yaml:"metrics"`

	// Compress enables gzip for plain HTTP responses
	Compress bool `yaml:"compress"`
}

// ClientConfig configures the httpc:// group used by fetch
type ClientConfig struct {
	MaxConnections   int           `yaml:"max_connections"`
	Proxy            string        `yaml:"proxy"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	Timeout          time.Duration `yaml:"timeout"`
	Retries          int           `yaml:"retries"`
	MaxRetryInterval time.Duration `yaml:"max_retry_interval"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `yaml:"level"`
	Dump  string `yaml:"dump"`
}

// Route is one path served by the listening channel
type Route struct {
	// Path is an exact path or a prefix ending in '*'
	Path string `yaml:"path"`

	// Kind is http, ws or sse
	Kind string `yaml:"kind"`

	// Code and Body are the reply of an http route; an empty Body echoes the
	// request body. For sse routes Body is sent as the first event.
	Code    int               `yaml:"code"`
	Body    string            `yaml:"body"`
	Headers map[string]string `yaml:"headers"`

	// Require lists request headers that must match for the route to accept
	Require map[string]string `yaml:"require"`
}

// URL returns the sub channel url of the route
func (r Route) URL() string {
	return fmt.Sprintf("ws+%s://%s", r.Kind, r.Path)
}

// Props returns the sub channel options of the route
func (r Route) Props() channel.Props {
	props := channel.Props{}
	for k, v := range r.Require {
		props["require."+k] = v
	}
	return props
}

// Defaults returns the built-in configuration
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Listen: "*:8080",
		},
		Client: ClientConfig{
			MaxConnections:   8,
			ConnectTimeout:   10 * time.Second,
			Timeout:          60 * time.Second,
			MaxRetryInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
			Dump:  "no",
		},
	}
}

// ServerURL returns the url of the listening channel
func (c *Config) ServerURL() string {
	url := fmt.Sprintf("ws://%s;mode=server;name=server;dump=%s", c.Server.Listen, c.Log.Dump)
	if c.Server.Metrics {
		url += ";metrics=yes"
	}
	if c.Server.Compress {
		url += ";compress=yes"
	}
	return url
}

// GroupURL returns the url of the shared HTTP client group
func (c *Config) GroupURL() string {
	url := fmt.Sprintf("httpc://;name=client;max-connections=%d;connect-timeout=%dms;timeout=%dms",
		c.Client.MaxConnections, c.Client.ConnectTimeout.Milliseconds(), c.Client.Timeout.Milliseconds())
	if c.Client.Proxy != "" {
		url += ";proxy=" + c.Client.Proxy
	}
	return url
}
