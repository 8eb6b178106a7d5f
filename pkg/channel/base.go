package channel

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/muxchan/pkg/metrics"
	"github.com/sammck-go/muxchan/share"
)

// Callback receives every message a channel delivers: Data and Control
// messages from the transport and State messages on each lifecycle transition.
// Callbacks for one channel are never invoked concurrently. A callback must not
// block and must not call Close on the channel that invoked it.
type Callback func(c Channel, m *Message)

// Channel is the uniform interface presented by every transport.
type Channel interface {
	// Name returns the channel name, unique within its Context
	Name() string

	// Proto returns the scheme the channel was created with, e.g. "ws+http"
	Proto() string

	// State returns the current lifecycle state
	State() State

	// Config returns the configuration in effect. After Open it includes the
	// overrides passed to Open.
	Config() *Config

	// Info returns the read-only configuration echo published after open
	Info() *Info

	// Logger returns the channel's logger
	Logger() share.Logger

	// Master returns the master channel of a sub, or nil
	Master() Channel

	// Children returns the subs attached to this channel
	Children() []Channel

	// Open starts the channel. It is only valid in the Closed state. On success
	// the channel is Active, or Opening if the transport completes asynchronously.
	// On failure the channel is left in Error and the error is returned.
	Open(overrides Props) error

	// Close closes every sub first, then releases the transport. It is valid in any
	// state and is a no-op on a Closed channel.
	Close() error

	// Post sends a message. It is only valid in the Active state.
	Post(m *Message) error

	// AddCallback registers cb and returns a function that removes it
	AddCallback(cb Callback) (remove func())

	// AwaitState blocks until the channel is in one of the wanted states or ctx
	// is done. Expiry of a deadline returns an error wrapping ErrTimeout; a
	// cancelled ctx returns ctx.Err().
	AwaitState(ctx context.Context, want ...State) (State, error)

	// Release closes the channel and removes it from its master and Context
	Release() error

	// SyncDelivery waits until no delivery is in progress. It must not be
	// called from a callback of the same channel.
	SyncDelivery()

	base() *Base
}

// Impl is implemented by concrete channels and driven by Base.
type Impl interface {
	// OnOpen starts the transport with cfg. Returning nil makes the channel
	// Active unless DeferActive was called, in which case the transport calls
	// SetActive or SetError later.
	OnOpen(cfg *Config) error

	// OnClose releases the transport and waits for its goroutines. It is called
	// after every sub has been closed, in the Closing state.
	OnClose() error

	// OnPost handles a message posted by the caller while Active.
	OnPost(m *Message) error
}

// Base implements the lifecycle, callback fan-out and bookkeeping common to
// every channel. Concrete channels embed it and call InitBase.
type Base struct {
	ctx    *Context
	impl   Impl
	self   Channel
	logger share.Logger
	info   Info
	master Channel

	// lifeLock serializes Open and Close
	lifeLock sync.Mutex

	// lock protects the fields below
	lock          sync.Mutex
	initCfg       *Config
	cfg           *Config
	state         State
	generation    uint64
	deferActive   bool
	stateChanged  chan struct{}
	callbacks     map[int]Callback
	nextCallback  int
	children      []Channel
	deliveryLock  sync.Mutex
	pendingStates []State
}

// InitBase initializes b in place. self is the concrete channel embedding b.
// If master is not nil the channel is attached to it as a sub.
func (b *Base) InitBase(ctx *Context, cfg *Config, master Channel, self Channel, impl Impl) {
	b.ctx = ctx
	b.impl = impl
	b.self = self
	b.initCfg = cfg
	b.cfg = cfg
	b.master = master
	b.stateChanged = make(chan struct{})
	b.callbacks = make(map[int]Callback)
	parent := ctx.Logger()
	if master != nil {
		parent = master.Logger()
	}
	b.logger = parent.Fork("%s %s", cfg.Proto, cfg.Name)
	if master != nil {
		master.base().addChild(self)
	}
}

func (b *Base) base() *Base {
	return b
}

// Name returns the channel name
func (b *Base) Name() string {
	return b.initCfg.Name
}

// Proto returns the channel scheme
func (b *Base) Proto() string {
	return b.initCfg.Proto
}

// Context returns the Context the channel was created in
func (b *Base) Context() *Context {
	return b.ctx
}

// State returns the current state
func (b *Base) State() State {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.state
}

// Config returns the configuration in effect
func (b *Base) Config() *Config {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.cfg
}

// Info returns the configuration echo
func (b *Base) Info() *Info {
	return &b.info
}

// SetInfo publishes one info key
func (b *Base) SetInfo(key, value string) {
	b.info.set(key, value)
}

// Logger returns the channel logger
func (b *Base) Logger() share.Logger {
	return b.logger
}

// Master returns the master channel, or nil
func (b *Base) Master() Channel {
	return b.master
}

// Children returns a snapshot of the attached subs
func (b *Base) Children() []Channel {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]Channel(nil), b.children...)
}

func (b *Base) addChild(c Channel) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.children = append(b.children, c)
}

func (b *Base) removeChild(c Channel) {
	b.lock.Lock()
	defer b.lock.Unlock()
	for i, child := range b.children {
		if child == c {
			b.children = append(b.children[:i], b.children[i+1:]...)
			return
		}
	}
}

// AddCallback registers cb
func (b *Base) AddCallback(cb Callback) func() {
	b.lock.Lock()
	id := b.nextCallback
	b.nextCallback++
	b.callbacks[id] = cb
	b.lock.Unlock()
	return func() {
		b.lock.Lock()
		delete(b.callbacks, id)
		b.lock.Unlock()
	}
}

// AwaitState waits until the state is one of want
func (b *Base) AwaitState(ctx context.Context, want ...State) (State, error) {
	for {
		b.lock.Lock()
		s := b.state
		changed := b.stateChanged
		b.lock.Unlock()
		for _, w := range want {
			if s == w {
				return s, nil
			}
		}
		select {
		case <-changed:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return s, b.logger.Errorf("waiting for state %v in state %s: %w", want, s, ErrTimeout)
			}
			return s, ctx.Err()
		}
	}
}

// DeferActive is called from OnOpen by transports that become Active
// asynchronously.
func (b *Base) DeferActive() {
	b.lock.Lock()
	b.deferActive = true
	b.lock.Unlock()
}

// SetActive moves an Opening channel to Active. It is ignored in any other state.
func (b *Base) SetActive() {
	b.lock.Lock()
	if b.state != StateOpening {
		b.lock.Unlock()
		return
	}
	b.setStateLocked(StateActive)
	b.lock.Unlock()
	b.flushStates()
}

// SetError moves an Opening or Active channel to Error, logging err. It is
// ignored in any other state.
func (b *Base) SetError(err error) {
	b.lock.Lock()
	if b.state != StateOpening && b.state != StateActive {
		b.lock.Unlock()
		return
	}
	b.setStateLocked(StateError)
	b.lock.Unlock()
	b.logger.ELogf("%s", err)
	b.flushStates()
}

// CloseAsync schedules Close from a transport goroutine, for remote close and
// autoclose. If the channel has been closed or reopened by the time the close
// runs, it does nothing.
func (b *Base) CloseAsync() {
	b.lock.Lock()
	gen := b.generation
	b.lock.Unlock()
	go func() {
		b.lifeLock.Lock()
		defer b.lifeLock.Unlock()
		b.lock.Lock()
		stale := b.generation != gen || b.state == StateClosed
		b.lock.Unlock()
		if stale {
			return
		}
		if err := b.closeLocked(); err != nil {
			b.logger.DLogf("close: %s", err)
		}
	}()
}

// setStateLocked must be called with b.lock held. The transition is queued for
// delivery by flushStates, which must be called after b.lock is released.
func (b *Base) setStateLocked(s State) {
	if b.state == s {
		return
	}
	b.logger.DLogf("state %s -> %s", b.state, s)
	b.state = s
	close(b.stateChanged)
	b.stateChanged = make(chan struct{})
	b.pendingStates = append(b.pendingStates, s)
	metrics.StateTransitionsTotal.WithLabelValues(b.initCfg.Proto, s.String()).Inc()
}

func (b *Base) setState(s State) {
	b.lock.Lock()
	b.setStateLocked(s)
	b.lock.Unlock()
	b.flushStates()
}

func (b *Base) flushStates() {
	b.deliveryLock.Lock()
	defer b.deliveryLock.Unlock()
	b.lock.Lock()
	states := b.pendingStates
	b.pendingStates = nil
	b.lock.Unlock()
	for _, s := range states {
		b.dispatchLocked(newStateMessage(s))
	}
}

// Open implements Channel
func (b *Base) Open(overrides Props) error {
	b.lifeLock.Lock()
	defer b.lifeLock.Unlock()

	b.lock.Lock()
	if b.state != StateClosed {
		s := b.state
		b.lock.Unlock()
		return b.logger.Errorf("open in state %s: %w", s, ErrInvalidState)
	}
	cfg, err := b.initCfg.Override(overrides)
	if err != nil {
		b.lock.Unlock()
		return b.logger.Errorf("%w", err)
	}
	b.cfg = cfg
	b.generation++
	b.deferActive = false
	b.setStateLocked(StateOpening)
	b.lock.Unlock()
	b.info.reset()
	b.flushStates()

	b.logger.DLogf("open %s", cfg)
	if err := b.impl.OnOpen(cfg); err != nil {
		b.SetError(err)
		return err
	}

	b.lock.Lock()
	if b.state == StateOpening && !b.deferActive {
		b.setStateLocked(StateActive)
	}
	b.lock.Unlock()
	b.flushStates()
	return nil
}

// Close implements Channel
func (b *Base) Close() error {
	b.lifeLock.Lock()
	defer b.lifeLock.Unlock()
	return b.closeLocked()
}

func (b *Base) closeLocked() error {
	b.lock.Lock()
	if b.state == StateClosed {
		b.lock.Unlock()
		return nil
	}
	b.generation++
	b.setStateLocked(StateClosing)
	b.lock.Unlock()
	b.flushStates()

	var firstErr error
	for _, child := range b.Children() {
		if err := child.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.impl.OnClose(); err != nil && firstErr == nil {
		firstErr = err
	}
	b.setState(StateClosed)
	b.logger.DLogf("closed")
	return firstErr
}

// Release closes the channel, detaches it from its master and removes it from
// its Context.
func (b *Base) Release() error {
	err := b.Close()
	if b.master != nil {
		b.master.base().removeChild(b.self)
	}
	b.ctx.forget(b.self)
	return err
}

// Post implements Channel
func (b *Base) Post(m *Message) error {
	b.lock.Lock()
	s := b.state
	cfg := b.cfg
	b.lock.Unlock()
	if s != StateActive {
		return b.logger.Errorf("post %s in state %s: %w", m, s, ErrInvalidState)
	}
	b.count(m, "post")
	if cfg.Dump != DumpNo {
		b.dump(cfg.Dump, "post", m)
	}
	return b.impl.OnPost(m)
}

// Deliver passes a message from the transport to every callback. Messages are
// dropped once the channel is Closed.
func (b *Base) Deliver(m *Message) {
	b.DeliverIf(m, nil)
}

// DeliverIf is Deliver for messages that can be withdrawn: keep is evaluated
// under the delivery lock, so once keep reports false and SyncDelivery has
// returned, no message guarded by it reaches a callback. A nil keep always
// delivers. It reports whether m was passed on.
func (b *Base) DeliverIf(m *Message, keep func() bool) bool {
	b.deliveryLock.Lock()
	defer b.deliveryLock.Unlock()
	if keep != nil && !keep() {
		return false
	}
	b.lock.Lock()
	s := b.state
	cfg := b.cfg
	b.lock.Unlock()
	if s == StateClosed {
		b.logger.TLogf("dropping %s in state Closed", m)
		return false
	}
	b.count(m, "recv")
	if cfg.Dump != DumpNo {
		b.dump(cfg.Dump, "recv", m)
	}
	b.dispatchLocked(m)
	return true
}

// SyncDelivery waits until no delivery is in progress
func (b *Base) SyncDelivery() {
	b.deliveryLock.Lock()
	b.deliveryLock.Unlock()
}

// dispatchLocked must be called with b.deliveryLock held
func (b *Base) dispatchLocked(m *Message) {
	b.lock.Lock()
	ids := make([]int, 0, len(b.callbacks))
	for id := range b.callbacks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	cbs := make([]Callback, 0, len(ids))
	for _, id := range ids {
		cbs = append(cbs, b.callbacks[id])
	}
	b.lock.Unlock()
	for _, cb := range cbs {
		cb(b.self, m)
	}
}

func (b *Base) count(m *Message, direction string) {
	proto := b.initCfg.Proto
	metrics.MessagesTotal.WithLabelValues(proto, m.Type.String(), direction).Inc()
	if m.Type == MsgTypeData {
		metrics.MessageBytesTotal.WithLabelValues(proto, direction).Add(float64(len(m.Data)))
	}
}

func (b *Base) dump(mode DumpMode, direction string, m *Message) {
	switch {
	case m.Type != MsgTypeData:
		b.logger.ILogf("%s %s", direction, m)
	case mode == DumpFrame:
		b.logger.ILogf("%s Data addr=%d size=%s\n%s", direction, m.Addr, sizestr.ToString(int64(len(m.Data))), hex.Dump(m.Data))
	case mode == DumpText:
		b.logger.ILogf("%s Data addr=%d size=%s %q", direction, m.Addr, sizestr.ToString(int64(len(m.Data))), m.Data)
	default:
		b.logger.ILogf("%s Data addr=%d size=%s", direction, m.Addr, sizestr.ToString(int64(len(m.Data))))
	}
}

func (b *Base) String() string {
	return fmt.Sprintf("%s://%s[%s]", b.initCfg.Proto, b.initCfg.Host, b.initCfg.Name)
}
