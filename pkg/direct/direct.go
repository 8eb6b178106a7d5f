// Package direct implements direct://, an in-process channel pair for passing
// messages between goroutines that each own a channel hierarchy.
//
// The first end is created without a master; its peer is created with the
// first end as master:
//
//	direct://;name=events;size=256
//	direct://;master=events
//
// A message posted on one end is delivered by the other. Each end has a
// bounded queue drained by its own goroutine, so posting never blocks; a full
// queue fails the post with ErrQueueFull.
package direct

import (
	"bytes"
	"strconv"
	"sync"

	"github.com/sammck-go/muxchan/pkg/channel"
)

// Channel is one end of a direct:// pair
type Channel struct {
	channel.Base

	lock  sync.Mutex
	peer  *Channel
	queue chan *channel.Message
	done  chan struct{}
	wg    sync.WaitGroup
}

// Register adds the direct scheme to ctx
func Register(ctx *channel.Context) error {
	return ctx.Register("direct", newChannel)
}

func newChannel(ctx *channel.Context, cfg *channel.Config, master channel.Channel) (channel.Channel, error) {
	if _, err := queueSize(cfg); err != nil {
		return nil, ctx.Logger().Errorf("%s: %w", cfg.Name, err)
	}
	c := &Channel{}
	if master != nil {
		m, ok := master.(*Channel)
		if !ok {
			return nil, ctx.Logger().Errorf("%s: master must be a direct:// channel: %w", cfg.Name, channel.ErrConfig)
		}
		if err := m.attach(c); err != nil {
			return nil, ctx.Logger().Errorf("%s: %w", cfg.Name, err)
		}
		c.peer = m
	}
	c.InitBase(ctx, cfg, master, c, c)
	return c, nil
}

func queueSize(cfg *channel.Config) (int, error) {
	size, err := cfg.Props.GetInt("size", 1024)
	if err != nil {
		return 0, err
	}
	if size <= 0 {
		return 0, channel.Configf("size must be positive, got %d", size)
	}
	return size, nil
}

// attach makes c the peer of m. A first end has at most one peer.
func (m *Channel) attach(c *Channel) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.peer != nil {
		return channel.Configf("direct channel %s already has a peer", m.Name())
	}
	m.peer = c
	return nil
}

// OnOpen starts the delivery goroutine
func (c *Channel) OnOpen(cfg *channel.Config) error {
	size, err := queueSize(cfg)
	if err != nil {
		return err
	}
	queue := make(chan *channel.Message, size)
	done := make(chan struct{})
	c.lock.Lock()
	c.queue = queue
	c.done = done
	c.lock.Unlock()
	c.SetInfo("size", strconv.Itoa(size))

	c.wg.Add(1)
	go c.pump(queue, done)
	return nil
}

func (c *Channel) pump(queue chan *channel.Message, done chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case m := <-queue:
			c.Deliver(m)
		case <-done:
			return
		}
	}
}

// OnClose stops delivery. Messages still queued are dropped.
func (c *Channel) OnClose() error {
	c.lock.Lock()
	done := c.done
	c.queue = nil
	c.done = nil
	c.lock.Unlock()
	if done != nil {
		close(done)
	}
	c.wg.Wait()
	return nil
}

// OnPost queues a copy of m on the peer
func (c *Channel) OnPost(m *channel.Message) error {
	c.lock.Lock()
	peer := c.peer
	c.lock.Unlock()
	if peer == nil {
		return c.Logger().Errorf("no peer attached: %w", channel.ErrInvalidState)
	}
	cp := *m
	cp.Data = bytes.Clone(m.Data)
	return peer.enqueue(&cp)
}

func (c *Channel) enqueue(m *channel.Message) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.queue == nil {
		return c.Logger().Errorf("peer is not open: %w", channel.ErrInvalidState)
	}
	select {
	case c.queue <- m:
		return nil
	default:
		return c.Logger().Errorf("queue of %d messages is full: %w", cap(c.queue), channel.ErrQueueFull)
	}
}

// Release detaches a peer from its first end so a new one can attach
func (c *Channel) Release() error {
	err := c.Base.Release()
	c.lock.Lock()
	m := c.peer
	c.lock.Unlock()
	if m != nil && c.Master() != nil {
		m.lock.Lock()
		if m.peer == c {
			m.peer = nil
		}
		m.lock.Unlock()
	}
	return err
}
