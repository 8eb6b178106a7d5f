package wschannel

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/muxchan/pkg/channel"
	"github.com/sammck-go/muxchan/share"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSession is one accepted websocket connection. For publisher nodes, frames
// are written by a dedicated goroutine from a bounded backlog.
type wsSession struct {
	share.ShutdownHelper
	*frameConn
	addr    channel.Addr
	backlog chan []byte
}

func newWSSession(logger share.Logger, addr channel.Addr, conn *frameConn, backlog int) *wsSession {
	s := &wsSession{frameConn: conn, addr: addr}
	if backlog > 0 {
		s.backlog = make(chan []byte, backlog)
	}
	s.InitShutdownHelper(logger.Fork("addr 0x%x", int64(addr)), s)
	return s
}

func (s *wsSession) String() string {
	return s.Prefix()
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It closes
// the underlying connection, which ends the read loop.
func (s *wsSession) HandleOnceShutdown(completionErr error) error {
	s.DLogf("HandleOnceShutdown")
	if err := s.ws.Close(); err != nil && completionErr == nil {
		s.DLogf("close failed, ignoring: %s", err)
	}
	return completionErr
}

func (s *wsSession) post(m *channel.Message) error {
	switch m.Type {
	case channel.MsgTypeData:
		if s.backlog == nil {
			return s.write(m.Data)
		}
		select {
		case s.backlog <- m.Data:
		default:
			s.ILogf("Session 0x%x is behind data, closing", int64(s.addr))
			s.StartShutdown(s.Errorf("backlog full: %w", channel.ErrQueueFull))
		}
		return nil
	case channel.MsgTypeControl:
		if _, ok := m.Disconnect(); ok {
			if err := s.writeClose(websocket.CloseNormalClosure, ""); err != nil {
				s.StartShutdown(nil)
			}
		}
		return nil
	}
	return nil
}

// runWriter drains the backlog of a publisher session
func (s *wsSession) runWriter() {
	defer s.ShutdownWG().Done()
	for {
		select {
		case data := <-s.backlog:
			if err := s.write(data); err != nil {
				s.StartShutdown(err)
				return
			}
		case <-s.ShutdownStartedChan():
			return
		}
	}
}

// wsNode is a websocket endpoint sub, ws+ws://path. Each connection gets its own
// address; frames are delivered as Data on that address and Data posted on the
// address is sent as one frame.
//
// ws+pub://path is the publisher variant: Data posted on any address is
// broadcast to every connection, and incoming frames are ignored.
type wsNode struct {
	nodeBase
	publish      bool
	binary       bool
	writeTimeout time.Duration
	ringSize     int
	dataSize     int64
}

func newWSNode(publish bool) channel.Factory {
	return func(ctx *channel.Context, cfg *channel.Config, master channel.Channel) (channel.Channel, error) {
		n := &wsNode{publish: publish}
		if err := n.parse(cfg); err != nil {
			return nil, ctx.Logger().Errorf("%s: %w", cfg.Name, err)
		}
		if err := n.initNode(ctx, cfg, master, n, n); err != nil {
			return nil, err
		}
		return n, nil
	}
}

func (n *wsNode) parse(cfg *channel.Config) error {
	var err error
	if n.binary, err = cfg.Props.GetBool("binary", true); err != nil {
		return err
	}
	if n.writeTimeout, err = cfg.Props.GetDuration("write-timeout", 10*time.Second); err != nil {
		return err
	}
	if n.ringSize, err = cfg.Props.GetInt("ring-size", 1024); err != nil {
		return err
	}
	if n.dataSize, err = cfg.Props.GetSize("data-size", 1<<20); err != nil {
		return err
	}
	if n.ringSize <= 0 {
		return channel.Configf("ring-size must be positive, got %d", n.ringSize)
	}
	return nil
}

func (n *wsNode) websocketNode() bool {
	return true
}

// OnOpen registers the path with the master
func (n *wsNode) OnOpen(cfg *channel.Config) error {
	if err := n.parse(cfg); err != nil {
		return err
	}
	return n.openNode(cfg, n)
}

// OnClose closes every connection
func (n *wsNode) OnClose() error {
	return n.closeNode(n)
}

// OnPost sends Data to one connection (or, for publishers, to all of them). A
// Disconnect closes the connection for its address.
func (n *wsNode) OnPost(m *channel.Message) error {
	if n.publish && m.Type == channel.MsgTypeData {
		if int64(len(m.Data)) > n.dataSize/2 {
			return n.Logger().Errorf("message size %d is larger than half of data-size %d: %w", len(m.Data), n.dataSize, channel.ErrConfig)
		}
		// a session that falls behind shuts itself down; the others still get m
		n.eachSession(func(addr channel.Addr, s session) {
			if err := s.post(m); err != nil {
				n.Logger().DLogf("broadcast to 0x%x: %s", int64(addr), err)
			}
		})
		return nil
	}
	return n.postToSession(m)
}

func (n *wsNode) serve(w http.ResponseWriter, r *http.Request) {
	if !n.checkRequired(w, r) {
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.Logger().DLogf("Failed to upgrade to websocket: %s", err)
		return
	}
	addr := n.server.allocAddr()
	backlog := 0
	if n.publish {
		backlog = n.ringSize
	}
	s := newWSSession(n.Logger(), addr, newFrameConn(ws, n.binary, n.writeTimeout), backlog)
	s.ShutdownWG().Add(1)
	defer s.ShutdownWG().Done()
	if err := n.addSession(addr, s); err != nil {
		s.StartShutdown(err)
		return
	}
	if n.publish {
		s.ShutdownWG().Add(1)
		go s.runWriter()
	}

	n.Deliver(channel.NewControl(addr, connectFor(r)))
	err = s.readLoop(func(data []byte) {
		if !n.publish {
			n.Deliver(channel.NewData(addr, data))
		}
	})
	if s.IsStartedShutdown() {
		// closed locally: by a posted Disconnect, backlog overflow or node close
		err = nil
	}
	n.removeSession(addr)
	s.StartShutdown(err)
	n.Deliver(channel.NewControl(addr, disconnectFor(err)))
}

func (n *wsNode) String() string {
	return fmt.Sprintf("%s://%s", n.Proto(), n.pattern)
}
