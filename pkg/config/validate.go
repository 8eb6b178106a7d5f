package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sammck-go/muxchan/pkg/router"
	"github.com/sammck-go/muxchan/share"
)

// Validate checks the configuration for required fields and valid values.
// Every problem is reported, each with its field path.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, fmt.Errorf("server.listen is required"))
	} else if strings.ContainsAny(c.Server.Listen, ";/") {
		errs = append(errs, fmt.Errorf("server.listen must be host:port, got %q", c.Server.Listen))
	}

	if c.Client.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("client.max_connections must be >= 0, got %d", c.Client.MaxConnections))
	}
	if c.Client.Retries < 0 {
		errs = append(errs, fmt.Errorf("client.retries must be >= 0, got %d", c.Client.Retries))
	}
	if strings.Contains(c.Client.Proxy, ";") {
		errs = append(errs, fmt.Errorf("client.proxy must not contain ';'"))
	}

	if share.StringToLogLevel(c.Log.Level) == share.LogLevelUnknown {
		errs = append(errs, fmt.Errorf("log.level %q is not a known level", c.Log.Level))
	}
	switch c.Log.Dump {
	case "no", "yes", "frame", "text":
	default:
		errs = append(errs, fmt.Errorf("log.dump must be one of no, yes, frame, text, got %q", c.Log.Dump))
	}

	seen := make(map[string]bool)
	for i, r := range c.Routes {
		if err := router.ValidatePattern(r.Path); err != nil {
			errs = append(errs, fmt.Errorf("routes[%d].path: %w", i, err))
		} else if strings.Contains(r.Path, ";") {
			errs = append(errs, fmt.Errorf("routes[%d].path must not contain ';'", i))
		} else if seen[r.Path] {
			errs = append(errs, fmt.Errorf("routes[%d].path %q is duplicated", i, r.Path))
		}
		seen[r.Path] = true
		switch r.Kind {
		case "http", "ws", "sse":
		default:
			errs = append(errs, fmt.Errorf("routes[%d].kind must be http, ws or sse, got %q", i, r.Kind))
		}
		if r.Code != 0 && (r.Code < 100 || r.Code > 599) {
			errs = append(errs, fmt.Errorf("routes[%d].code %d is not an HTTP status", i, r.Code))
		}
	}

	return errors.Join(errs...)
}
