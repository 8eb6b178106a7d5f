package httpchannel

import (
	"sync"

	"github.com/sammck-go/muxchan/pkg/channel"
)

// Group is the shared transfer engine, httpc://. It carries no traffic of its
// own: request channels created with it as master share its connection pool
// and its max-connections slot ceiling, while each still sees only its own
// addresses.
type Group struct {
	channel.Base

	lock   sync.Mutex
	engine *engine
}

func newGroup(ctx *channel.Context, cfg *channel.Config, master channel.Channel) (channel.Channel, error) {
	if master != nil {
		return nil, ctx.Logger().Errorf("%s: %s can not have a master: %w", cfg.Name, cfg.Proto, channel.ErrConfig)
	}
	if _, err := newEngine(cfg.Props); err != nil {
		return nil, ctx.Logger().Errorf("%s: %w", cfg.Name, err)
	}
	g := &Group{}
	g.InitBase(ctx, cfg, nil, g, g)
	return g, nil
}

// OnOpen creates the engine for this open cycle
func (g *Group) OnOpen(cfg *channel.Config) error {
	e, err := newEngine(cfg.Props)
	if err != nil {
		return err
	}
	g.lock.Lock()
	g.engine = e
	g.lock.Unlock()
	e.publish(g.SetInfo)
	return nil
}

// OnClose runs after every member has been closed
func (g *Group) OnClose() error {
	g.lock.Lock()
	e := g.engine
	g.engine = nil
	g.lock.Unlock()
	if e != nil {
		e.close()
	}
	return nil
}

// OnPost rejects traffic; post to a request channel instead
func (g *Group) OnPost(m *channel.Message) error {
	return g.Logger().Errorf("%s carries no traffic: %w", g.Proto(), channel.ErrInvalidState)
}

// currentEngine returns the engine of an Active group
func (g *Group) currentEngine() (*engine, error) {
	if s := g.State(); s != channel.StateActive {
		return nil, g.Logger().Errorf("group is %s: %w", s, channel.ErrInvalidState)
	}
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.engine == nil {
		return nil, g.Logger().Errorf("group is closed: %w", channel.ErrInvalidState)
	}
	return g.engine, nil
}
