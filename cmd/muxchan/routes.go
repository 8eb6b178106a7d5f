package main

import (
	"errors"
	"reflect"
	"sort"
	"sync"

	"github.com/sammck-go/muxchan/pkg/channel"
	"github.com/sammck-go/muxchan/pkg/config"
	"github.com/sammck-go/muxchan/share"
)

// routeSet keeps one server sub per configured route
type routeSet struct {
	share.Logger
	ctx    *channel.Context
	server channel.Channel

	lock   sync.Mutex
	routes map[string]*route
}

func newRouteSet(logger share.Logger, ctx *channel.Context, server channel.Channel) *routeSet {
	return &routeSet{
		Logger: logger.Fork("routes"),
		ctx:    ctx,
		server: server,
		routes: make(map[string]*route),
	}
}

// apply makes the served routes match want. Unchanged routes keep their subs
// and in-flight sessions; changed ones are released and recreated.
func (rs *routeSet) apply(want []config.Route) error {
	rs.lock.Lock()
	defer rs.lock.Unlock()

	next := make(map[string]config.Route, len(want))
	for _, r := range want {
		next[r.Path] = r
	}
	var errs []error
	for path, cur := range rs.routes {
		if r, ok := next[path]; ok && reflect.DeepEqual(r, cur.cfg) {
			continue
		}
		if err := cur.sub.Release(); err != nil {
			errs = append(errs, err)
		}
		delete(rs.routes, path)
		rs.ILogf("Removed %s", path)
	}
	for _, r := range want {
		if _, ok := rs.routes[r.Path]; ok {
			continue
		}
		rt, err := rs.add(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rs.routes[r.Path] = rt
		rs.ILogf("Serving %s %s", r.Kind, r.Path)
	}
	return errors.Join(errs...)
}

func (rs *routeSet) add(r config.Route) (*route, error) {
	sub, err := rs.ctx.Channel(r.URL(), rs.server, r.Props())
	if err != nil {
		return nil, err
	}
	rt := &route{cfg: r, sub: sub, requests: make(map[channel.Addr]*request)}
	sub.AddCallback(rt.callback)
	if err := sub.Open(nil); err != nil {
		sub.Release()
		return nil, err
	}
	return rt, nil
}

// paths returns the served route paths, sorted
func (rs *routeSet) paths() []string {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	result := make([]string, 0, len(rs.routes))
	for p := range rs.routes {
		result = append(result, p)
	}
	sort.Strings(result)
	return result
}

// route answers the sessions of one sub. An http route replies to each
// request with its configured code, headers and body, echoing the request
// body when no body is configured. A ws route echoes every message. An sse
// route sends its body as the first event of each stream.
type route struct {
	cfg config.Route
	sub channel.Channel

	lock     sync.Mutex
	requests map[channel.Addr]*request
}

// request is an http request whose body is still arriving
type request struct {
	size int64
	body []byte
}

func (rt *route) callback(c channel.Channel, m *channel.Message) {
	if m.Type == channel.MsgTypeState {
		return
	}
	var err error
	switch rt.cfg.Kind {
	case "http":
		err = rt.collect(c, m)
	case "ws":
		if m.Type == channel.MsgTypeData {
			err = c.Post(channel.NewData(m.Addr, m.Data))
		}
	case "sse":
		if _, ok := m.Connect(); ok && rt.cfg.Body != "" {
			err = c.Post(channel.NewData(m.Addr, []byte(rt.cfg.Body)))
		}
	}
	if err != nil {
		c.Logger().DLogf("reply to %d: %s", int64(m.Addr), err)
	}
}

// collect gathers the request body and replies once it is complete. A request
// of unknown size is answered on its first Data message.
func (rt *route) collect(c channel.Channel, m *channel.Message) error {
	rt.lock.Lock()
	if conn, ok := m.Connect(); ok {
		rt.requests[m.Addr] = &request{size: conn.Size}
		rt.lock.Unlock()
		return nil
	}
	req := rt.requests[m.Addr]
	if _, ok := m.Disconnect(); ok || req == nil || m.Type != channel.MsgTypeData {
		delete(rt.requests, m.Addr)
		rt.lock.Unlock()
		return nil
	}
	req.body = append(req.body, m.Data...)
	complete := req.size < 0 || int64(len(req.body)) >= req.size
	if complete {
		delete(rt.requests, m.Addr)
	}
	rt.lock.Unlock()
	if !complete {
		return nil
	}
	return rt.reply(c, m.Addr, req.body)
}

func (rt *route) reply(c channel.Channel, addr channel.Addr, body []byte) error {
	conn := &channel.Connect{Code: rt.cfg.Code}
	keys := make([]string, 0, len(rt.cfg.Headers))
	for k := range rt.cfg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		conn.Headers = append(conn.Headers, channel.Header{Header: k, Value: rt.cfg.Headers[k]})
	}
	if err := c.Post(channel.NewControl(addr, conn)); err != nil {
		return err
	}
	if rt.cfg.Body != "" {
		body = []byte(rt.cfg.Body)
	}
	if body == nil {
		body = []byte{}
	}
	return c.Post(channel.NewData(addr, body))
}
