package channel

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sammck-go/muxchan/share"
)

// Factory creates a channel for cfg. master is nil for top-level channels.
// Factories validate static configuration and return an error wrapping
// ErrConfig for bad values; transports are not started until Open.
type Factory func(ctx *Context, cfg *Config, master Channel) (Channel, error)

// Context is a registry of channel schemes and of the channels created through
// it. Schemes are registered statically at startup; channel names are unique
// within a Context.
type Context struct {
	logger share.Logger

	lock      sync.Mutex
	factories map[string]Factory
	channels  map[string]Channel
	nextID    int
}

// NewContext creates an empty Context. Channels fork their loggers from logger.
func NewContext(logger share.Logger) *Context {
	return &Context{
		logger:    logger,
		factories: make(map[string]Factory),
		channels:  make(map[string]Channel),
	}
}

// Logger returns the Context's logger
func (c *Context) Logger() share.Logger {
	return c.logger
}

// Register binds a scheme such as "ws+http" to a factory. Registering the same
// scheme twice is an error.
func (c *Context) Register(proto string, f Factory) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.factories[proto]; ok {
		return c.logger.Errorf("scheme %q already registered: %w", proto, ErrConfig)
	}
	c.factories[proto] = f
	return nil
}

// Schemes returns the registered schemes in lexicographic order.
func (c *Context) Schemes() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := make([]string, 0, len(c.factories))
	for k := range c.factories {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

// Channel creates a channel from a URL. props are applied on top of the URL
// options. A "master" option names an existing channel to attach to; an
// explicit master argument takes precedence.
func (c *Context) Channel(url string, master Channel, props Props) (Channel, error) {
	cfg, err := ParseURL(url)
	if err != nil {
		return nil, c.logger.Errorf("%w", err)
	}
	if len(props) > 0 {
		if cfg, err = cfg.Override(props); err != nil {
			return nil, c.logger.Errorf("%w", err)
		}
	}
	return c.ChannelFromConfig(cfg, master)
}

// ChannelFromConfig creates a channel from a parsed Config.
func (c *Context) ChannelFromConfig(cfg *Config, master Channel) (Channel, error) {
	if master == nil {
		if name, ok := cfg.Props["master"]; ok && name != "" {
			m, ok := c.Get(name)
			if !ok {
				return nil, c.logger.Errorf("master channel %q: %w", name, ErrNotFound)
			}
			master = m
		}
	}

	c.lock.Lock()
	f, ok := c.factories[cfg.Proto]
	if !ok {
		c.lock.Unlock()
		return nil, c.logger.Errorf("unknown scheme %q: %w", cfg.Proto, ErrConfig)
	}
	if cfg.Props == nil {
		cfg.Props = Props{}
	}
	if cfg.Name == "" {
		c.nextID++
		cfg.Name = fmt.Sprintf("%s%d", cfg.Proto, c.nextID)
		cfg.Props["name"] = cfg.Name
	}
	if _, dup := c.channels[cfg.Name]; dup {
		c.lock.Unlock()
		return nil, c.logger.Errorf("channel name %q already in use: %w", cfg.Name, ErrConfig)
	}
	// reserve the name while the factory runs
	c.channels[cfg.Name] = nil
	c.lock.Unlock()

	ch, err := f(c, cfg, master)

	c.lock.Lock()
	defer c.lock.Unlock()
	if err != nil {
		delete(c.channels, cfg.Name)
		return nil, err
	}
	c.channels[cfg.Name] = ch
	return ch, nil
}

// Get returns the channel registered under name.
func (c *Context) Get(name string) (Channel, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	ch, ok := c.channels[name]
	return ch, ok && ch != nil
}

// Close closes every top-level channel. Subs are closed by their masters.
func (c *Context) Close() error {
	c.lock.Lock()
	var roots []Channel
	for _, ch := range c.channels {
		if ch != nil && ch.Master() == nil {
			roots = append(roots, ch)
		}
	}
	c.lock.Unlock()
	var firstErr error
	for _, ch := range roots {
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Context) forget(ch Channel) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.channels[ch.Name()] == ch {
		delete(c.channels, ch.Name())
	}
}
