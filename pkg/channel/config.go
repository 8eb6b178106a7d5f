package channel

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Props is a flat string key/value property set. Nested groups use dotted
// keys ("header.X-Token", "info.local.port").
type Props map[string]string

// Clone returns a shallow copy of p. The copy of a nil Props is an empty Props.
func (p Props) Clone() Props {
	result := make(Props, len(p))
	for k, v := range p {
		result[k] = v
	}
	return result
}

// Merge returns a new Props holding p overridden by every key in o.
func (p Props) Merge(o Props) Props {
	result := p.Clone()
	for k, v := range o {
		result[k] = v
	}
	return result
}

// Sub returns the keys of p that start with prefix + ".", with the prefix stripped.
func (p Props) Sub(prefix string) Props {
	prefix += "."
	result := make(Props)
	for k, v := range p {
		if strings.HasPrefix(k, prefix) && len(k) > len(prefix) {
			result[k[len(prefix):]] = v
		}
	}
	return result
}

// Keys returns the keys of p in lexicographic order.
func (p Props) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetString returns the value of key, or def if it is not set.
func (p Props) GetString(key string, def string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// GetBool parses a yes/no style flag. Accepted values are yes, no, true, false, 1 and 0.
func (p Props) GetBool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	switch strings.ToLower(v) {
	case "yes", "true", "1":
		return true, nil
	case "no", "false", "0":
		return false, nil
	}
	return def, fmt.Errorf("invalid boolean %s=%q: %w", key, v, ErrConfig)
}

// GetInt parses a decimal integer value.
func (p Props) GetInt(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid integer %s=%q: %w", key, v, ErrConfig)
	}
	return n, nil
}

// GetDuration parses a duration. Values carry a unit ("1000ms", "2s"); a bare
// number is taken as seconds.
func (p Props) GetDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("invalid duration %s=%q: %w", key, v, ErrConfig)
	}
	return d, nil
}

// GetSize parses a byte size such as "64kb" or "1m". Unit suffixes are binary
// multiples (kb = 1024) and case-insensitive; a bare number is bytes.
func (p Props) GetSize(key string, def int64) (int64, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	s := strings.ToLower(strings.TrimSpace(v))
	s = strings.TrimSuffix(s, "b")
	mult := int64(1)
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'k':
			mult = 1 << 10
		case 'm':
			mult = 1 << 20
		case 'g':
			mult = 1 << 30
		}
		if mult != 1 {
			s = strings.TrimSpace(s[:n-1])
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return def, fmt.Errorf("invalid size %s=%q: %w", key, v, ErrConfig)
	}
	return n * mult, nil
}

// GetEnum returns the value of key, which must be one of choices. The first
// choice is the default.
func (p Props) GetEnum(key string, choices ...string) (string, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return choices[0], nil
	}
	for _, c := range choices {
		if strings.EqualFold(c, v) {
			return c, nil
		}
	}
	return choices[0], fmt.Errorf("invalid value %s=%q, expected one of %s: %w",
		key, v, strings.Join(choices, "|"), ErrConfig)
}

// DumpMode selects per-message dump logging.
type DumpMode int

const (
	// DumpNo disables message dumps
	DumpNo DumpMode = iota
	// DumpYes logs one line per message
	DumpYes
	// DumpFrame adds a hex dump of Data payloads
	DumpFrame
	// DumpText adds the payload as quoted text
	DumpText
)

var dumpNames = [...]string{"no", "yes", "frame", "text"}

func (d DumpMode) String() string {
	if d < DumpNo || d > DumpText {
		return "no"
	}
	return dumpNames[d]
}

// Config is the parsed configuration of one channel.
//
// The URL form is
//
//	proto://host;key=value;key=value
//
// where proto is "transport" or "transport+protocol". Everything between "://"
// and the first ';' is the host (and, for transports that use one, the path).
type Config struct {
	// URL is the original configuration string
	URL string

	// Proto is the full scheme, e.g. "ws+http"
	Proto string

	// Transport and Protocol are the two halves of Proto split on the first '+'.
	// Protocol is empty for single-part schemes.
	Transport string
	Protocol  string

	// Host is the host part of the URL, including any path
	Host string

	// Name is the channel name, unique within a Context
	Name string

	// Dump is the dump logging mode
	Dump DumpMode

	// Props holds every key/value option, including name and dump
	Props Props
}

// ParseURL parses a channel URL of the form proto://host;key=value;...
func ParseURL(url string) (*Config, error) {
	sep := strings.Index(url, "://")
	if sep <= 0 {
		return nil, fmt.Errorf("invalid channel url %q, expected proto://host: %w", url, ErrConfig)
	}
	proto := url[:sep]
	rest := url[sep+3:]
	parts := strings.Split(rest, ";")
	props := make(Props)
	for _, kv := range parts[1:] {
		if kv == "" {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("invalid option %q in channel url %q: %w", kv, url, ErrConfig)
		}
		props[kv[:eq]] = kv[eq+1:]
	}
	cfg := &Config{URL: url, Proto: proto, Host: parts[0], Props: props}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewConfig builds a Config from a scheme, host and property set.
func NewConfig(proto, host string, props Props) (*Config, error) {
	cfg := &Config{URL: proto + "://" + host, Proto: proto, Host: host, Props: props.Clone()}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) finish() error {
	c.Transport = c.Proto
	c.Protocol = ""
	if i := strings.IndexByte(c.Proto, '+'); i >= 0 {
		c.Transport = c.Proto[:i]
		c.Protocol = c.Proto[i+1:]
	}
	if c.Transport == "" {
		return fmt.Errorf("empty transport in scheme %q: %w", c.Proto, ErrConfig)
	}
	c.Name = c.Props["name"]
	dump, err := c.Props.GetEnum("dump", dumpNames[:]...)
	if err != nil {
		return err
	}
	for i, n := range dumpNames {
		if n == dump {
			c.Dump = DumpMode(i)
		}
	}
	return nil
}

// Override returns a copy of c with props applied on top of its own. The host
// may be overridden through the "host" key.
func (c *Config) Override(props Props) (*Config, error) {
	if len(props) == 0 {
		clone := *c
		clone.Props = c.Props.Clone()
		return &clone, nil
	}
	merged := c.Props.Merge(props)
	host := c.Host
	if h, ok := merged["host"]; ok {
		host = h
		delete(merged, "host")
	}
	cfg := &Config{URL: c.URL, Proto: c.Proto, Host: host, Props: merged}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Headers returns the header.<Name> options as ordered Header pairs, sorted by
// name. Names keep the case they were configured with.
func (c *Config) Headers() []Header {
	sub := c.Props.Sub("header")
	result := make([]Header, 0, len(sub))
	for _, k := range sub.Keys() {
		result = append(result, Header{Header: k, Value: sub[k]})
	}
	return result
}

func (c *Config) String() string {
	var sb strings.Builder
	sb.WriteString(c.Proto)
	sb.WriteString("://")
	sb.WriteString(c.Host)
	for _, k := range c.Props.Keys() {
		sb.WriteString(";")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(c.Props[k])
	}
	return sb.String()
}
