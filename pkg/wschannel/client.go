package wschannel

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/muxchan/pkg/channel"
)

// Client is an outbound websocket connection, ws://host:port/path. The handshake
// runs in the background: the channel stays Opening until it completes, then
// becomes Active and delivers a Connect with the response status and headers.
// A rejected or failed handshake moves the channel to Error.
//
// Frames are delivered as Data on address 0. A normal close by the peer delivers
// Disconnect and closes the channel; any other read failure moves it to Error.
type Client struct {
	channel.Base

	lock   sync.Mutex
	conn   *frameConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newClient(ctx *channel.Context, cfg *channel.Config, master channel.Channel) (channel.Channel, error) {
	if _, err := cfg.Props.GetBool("binary", true); err != nil {
		return nil, ctx.Logger().Errorf("%s: %w", cfg.Name, err)
	}
	c := &Client{}
	c.InitBase(ctx, cfg, master, c, c)
	return c, nil
}

// OnOpen starts the handshake
func (c *Client) OnOpen(cfg *channel.Config) error {
	binary, err := cfg.Props.GetBool("binary", true)
	if err != nil {
		return err
	}
	connectTimeout, err := cfg.Props.GetDuration("connect-timeout", 10*time.Second)
	if err != nil {
		return err
	}
	writeTimeout, err := cfg.Props.GetDuration("write-timeout", 10*time.Second)
	if err != nil {
		return err
	}
	header := http.Header{}
	channel.ApplyHeaders(header, cfg.Headers())

	url := "ws://" + cfg.Host
	if !strings.Contains(cfg.Host, "/") {
		url += "/"
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: connectTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.lock.Lock()
	c.cancel = cancel
	c.lock.Unlock()

	c.DeferActive()
	c.wg.Add(1)
	go c.run(ctx, dialer, url, header, binary, writeTimeout)
	return nil
}

func (c *Client) run(ctx context.Context, dialer *websocket.Dialer, url string, header http.Header, binary bool, writeTimeout time.Duration) {
	defer c.wg.Done()
	c.Logger().DLogf("Connecting to %s", url)
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if resp != nil {
			err = channel.Transportf("handshake with %s rejected: %s", url, resp.Status)
		} else {
			err = channel.Transportf("connect to %s: %s", url, err)
		}
		c.SetError(err)
		return
	}
	conn := newFrameConn(ws, binary, writeTimeout)
	c.lock.Lock()
	c.conn = conn
	c.lock.Unlock()
	if ctx.Err() != nil {
		// closed while the handshake was completing
		ws.Close()
		return
	}

	publishAddr(c.SetInfo, "local", ws.LocalAddr())
	publishAddr(c.SetInfo, "remote", ws.RemoteAddr())
	c.SetActive()
	c.Deliver(channel.NewControl(0, &channel.Connect{
		Method:  channel.MethodGet,
		Code:    resp.StatusCode,
		Path:    url,
		Headers: channel.NormalizeHeaders(resp.Header),
	}))

	err = conn.readLoop(func(data []byte) {
		c.Deliver(channel.NewData(0, data))
	})
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		c.Logger().DLogf("Connection closed by peer")
		c.Deliver(channel.NewControl(0, &channel.Disconnect{}))
		c.CloseAsync()
		return
	}
	c.SetError(channel.Transportf("read: %s", err))
}

// OnClose cancels the handshake or closes the connection, and waits for the
// reader to exit
func (c *Client) OnClose() error {
	c.lock.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.lock.Unlock()
	if cancel != nil {
		cancel()
	}
	c.lock.Lock()
	conn := c.conn
	c.lock.Unlock()
	if conn != nil {
		conn.writeClose(websocket.CloseNormalClosure, "")
		conn.ws.Close()
	}
	c.wg.Wait()
	c.lock.Lock()
	c.conn = nil
	c.lock.Unlock()
	return nil
}

// OnPost sends Data as one frame. A Disconnect starts a normal close handshake;
// the channel closes when the peer answers.
func (c *Client) OnPost(m *channel.Message) error {
	c.lock.Lock()
	conn := c.conn
	c.lock.Unlock()
	if conn == nil {
		return c.Logger().Errorf("not connected: %w", channel.ErrInvalidState)
	}
	switch m.Type {
	case channel.MsgTypeData:
		return conn.write(m.Data)
	case channel.MsgTypeControl:
		if _, ok := m.Disconnect(); ok {
			if err := conn.writeClose(websocket.CloseNormalClosure, ""); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				return channel.Transportf("close: %s", err)
			}
		}
	}
	return nil
}
