package wschannel

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/muxchan/pkg/channel"
	"github.com/sammck-go/muxchan/share"
)

// frameConn wraps a websocket connection with serialized writes. gorilla/websocket
// supports one concurrent writer and one concurrent reader per connection.
type frameConn struct {
	ws           *websocket.Conn
	msgType      int
	writeTimeout time.Duration
	writeLock    sync.Mutex
}

func newFrameConn(ws *websocket.Conn, binary bool, writeTimeout time.Duration) *frameConn {
	msgType := websocket.TextMessage
	if binary {
		msgType = websocket.BinaryMessage
	}
	return &frameConn{ws: ws, msgType: msgType, writeTimeout: writeTimeout}
}

// write sends data as a single frame
func (c *frameConn) write(data []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteMessage(c.msgType, data); err != nil {
		return fmt.Errorf("write frame: %s: %w", err, channel.ErrTransport)
	}
	return nil
}

// writeClose sends a close frame. The peer is expected to answer with its own
// close frame, which ends the read loop.
func (c *frameConn) writeClose(code int, text string) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	deadline := time.Now().Add(time.Second)
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	return c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}

// readLoop delivers every frame to onData until the connection ends. It returns
// nil when the peer closed normally, or the read error otherwise.
func (c *frameConn) readLoop(onData func(data []byte)) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		onData(data)
	}
}

// disconnectFor builds the Disconnect record reported when a read loop ends with err.
func disconnectFor(err error) *channel.Disconnect {
	if err == nil {
		return &channel.Disconnect{}
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &channel.Disconnect{Code: ce.Code, Error: ce.Text}
	}
	return &channel.Disconnect{Code: websocket.CloseAbnormalClosure, Error: err.Error()}
}

// publishAddr records address family, host and port of addr under prefix
func publishAddr(set func(key, value string), prefix string, addr net.Addr) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		set(prefix+".host", addr.String())
		return
	}
	af := "ipv6"
	if tcp.IP.To4() != nil {
		af = "ipv4"
	}
	set(prefix+".af", af)
	set(prefix+".host", tcp.IP.String())
	set(prefix+".port", strconv.Itoa(tcp.Port))
}

// group tracks the sessions of one open cycle of a node. Sessions are added as
// shutdown children; shutting the group down closes every session and waits for
// its goroutines.
type group struct {
	share.ShutdownHelper
}

func newGroup(logger share.Logger) *group {
	g := &group{}
	g.InitShutdownHelper(logger, g)
	return g
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. Children
// are shut down after it returns.
func (g *group) HandleOnceShutdown(completionErr error) error {
	return completionErr
}

// add registers child, failing if the group is already shutting down
func (g *group) add(child share.AsyncShutdowner) error {
	if err := g.PauseShutdown(); err != nil {
		return err
	}
	g.AddShutdownChild(child)
	g.ResumeShutdown()
	return nil
}
