// Package asyncloop lets a goroutine consume channel traffic by waiting on it:
// Recv returns the next message and RecvState the next settled state, each
// with a timeout. Transports never block on a slow consumer; everything a
// channel delivers is queued until it is received.
package asyncloop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sammck-go/muxchan/pkg/channel"
	"github.com/sammck-go/muxchan/share"
)

// Loop owns the channels created through it
type Loop struct {
	share.Logger
	ctx *channel.Context

	lock     sync.Mutex
	channels []*Channel
}

// New creates a Loop creating channels in ctx
func New(ctx *channel.Context) *Loop {
	return &Loop{Logger: ctx.Logger().Fork("loop"), ctx: ctx}
}

// Context returns the channel Context of the loop
func (l *Loop) Context() *channel.Context {
	return l.ctx
}

// Channel creates a channel and starts queueing what it delivers. master may be
// nil.
func (l *Loop) Channel(url string, master *Channel, props channel.Props) (*Channel, error) {
	var m channel.Channel
	if master != nil {
		m = master.Channel
	}
	ch, err := l.ctx.Channel(url, m, props)
	if err != nil {
		return nil, err
	}
	return l.Wrap(ch), nil
}

// Wrap starts queueing the deliveries of an existing channel
func (l *Loop) Wrap(ch channel.Channel) *Channel {
	c := &Channel{Channel: ch, loop: l, wake: make(chan struct{})}
	c.remove = ch.AddCallback(c.callback)
	l.lock.Lock()
	l.channels = append(l.channels, c)
	l.lock.Unlock()
	return c
}

// Close releases every channel created through the loop, subs first
func (l *Loop) Close() error {
	l.lock.Lock()
	channels := l.channels
	l.channels = nil
	l.lock.Unlock()
	var firstErr error
	for i := len(channels) - 1; i >= 0; i-- {
		c := channels[i]
		c.remove()
		if err := c.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.DLogf("closed %d channels", len(channels))
	return firstErr
}

// Channel is a channel whose deliveries are queued for Recv and RecvState
type Channel struct {
	channel.Channel
	loop   *Loop
	remove func()

	lock     sync.Mutex
	messages []*channel.Message
	states   []channel.State
	// wake is closed and replaced whenever something is queued
	wake chan struct{}
}

func (c *Channel) callback(_ channel.Channel, m *channel.Message) {
	c.lock.Lock()
	if m.Type == channel.MsgTypeState {
		if s := m.State(); s.Settled() {
			c.states = append(c.states, s)
		}
	} else {
		c.messages = append(c.messages, m)
	}
	close(c.wake)
	c.wake = make(chan struct{})
	c.lock.Unlock()
}

// Post sends m. Posting a Disconnect cancels its address: once Post returns,
// nothing the address delivered before the cancellation is left in the queue,
// so a Connect posted next on the same address is answered cleanly. Post must
// not be called from a callback of the wrapped channel.
func (c *Channel) Post(m *channel.Message) error {
	if err := c.Channel.Post(m); err != nil {
		return err
	}
	if _, ok := m.Disconnect(); ok {
		c.Channel.SyncDelivery()
		c.drop(m.Addr)
	}
	return nil
}

// drop removes the queued messages for addr
func (c *Channel) drop(addr channel.Addr) {
	c.lock.Lock()
	defer c.lock.Unlock()
	kept := c.messages[:0]
	for _, m := range c.messages {
		if m.Addr != addr {
			kept = append(kept, m)
		}
	}
	for i := len(kept); i < len(c.messages); i++ {
		c.messages[i] = nil
	}
	if n := len(c.messages) - len(kept); n > 0 {
		c.Logger().DLogf("dropped %d queued messages for cancelled address 0x%x", n, int64(addr))
	}
	c.messages = kept
}

// Recv waits up to timeout for the next Data or Control message. Expiry returns
// an error wrapping channel.ErrTimeout; the message, when it comes, stays
// queued for the next call.
func (c *Channel) Recv(timeout time.Duration) (*channel.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.RecvContext(ctx)
}

// RecvContext waits for the next Data or Control message until ctx is done
func (c *Channel) RecvContext(ctx context.Context) (*channel.Message, error) {
	var m *channel.Message
	err := c.wait(ctx, "message", func() bool {
		if len(c.messages) == 0 {
			return false
		}
		m = c.messages[0]
		c.messages[0] = nil
		c.messages = c.messages[1:]
		return true
	})
	return m, err
}

// RecvState waits up to timeout for the next state change. Only settled
// states are reported: Opening and Closing are skipped.
func (c *Channel) RecvState(timeout time.Duration) (channel.State, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.RecvStateContext(ctx)
}

// RecvStateContext waits for the next settled state until ctx is done
func (c *Channel) RecvStateContext(ctx context.Context) (channel.State, error) {
	s := c.State()
	err := c.wait(ctx, "state", func() bool {
		if len(c.states) == 0 {
			return false
		}
		s = c.states[0]
		c.states = c.states[1:]
		return true
	})
	return s, err
}

// wait calls take under the lock until it succeeds or ctx is done
func (c *Channel) wait(ctx context.Context, what string, take func() bool) error {
	for {
		c.lock.Lock()
		if take() {
			c.lock.Unlock()
			return nil
		}
		wake := c.wake
		c.lock.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return c.Logger().Errorf("no %s received: %w", what, channel.ErrTimeout)
			}
			return ctx.Err()
		}
	}
}

// Pending returns the number of queued messages
func (c *Channel) Pending() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.messages)
}
