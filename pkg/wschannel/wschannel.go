// Package wschannel implements websocket and HTTP server channels and the
// websocket client channel.
//
// A listening master is created with ws://*:port (or ws://host:port;mode=server)
// and subs attach to it by path:
//
//	ws+ws://path    websocket endpoint, one address per connection
//	ws+pub://path   websocket broadcast endpoint
//	ws+http://path  plain HTTP request/response endpoint
//	ws+sse://path   server-sent events endpoint
//
// Any other ws://host:port/path is a client connection.
package wschannel

import (
	"strings"

	"github.com/sammck-go/muxchan/pkg/channel"
)

// Register adds the ws, ws+ws, ws+pub, ws+http and ws+sse schemes to ctx
func Register(ctx *channel.Context) error {
	factories := map[string]channel.Factory{
		"ws":      newWS,
		"ws+ws":   newWSNode(false),
		"ws+pub":  newWSNode(true),
		"ws+http": newHTTPNode(false),
		"ws+sse":  newHTTPNode(true),
	}
	for _, proto := range []string{"ws", "ws+ws", "ws+pub", "ws+http", "ws+sse"} {
		if err := ctx.Register(proto, factories[proto]); err != nil {
			return err
		}
	}
	return nil
}

// newWS selects between the listening server and the client
func newWS(ctx *channel.Context, cfg *channel.Config, master channel.Channel) (channel.Channel, error) {
	mode, err := cfg.Props.GetEnum("mode", "auto", "server", "client")
	if err != nil {
		return nil, ctx.Logger().Errorf("%s: %w", cfg.Name, err)
	}
	if mode == "server" || (mode == "auto" && strings.HasPrefix(cfg.Host, "*:")) {
		return newServer(ctx, cfg, master)
	}
	return newClient(ctx, cfg, master)
}
