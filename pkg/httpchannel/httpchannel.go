// Package httpchannel implements the HTTP client multiplexer: request channels
// that run any number of independently addressed exchanges at once, and the
// httpc:// group that lets several of them share one connection pool and slot
// ceiling.
//
//	httpc://;max-connections=4;name=multi
//	httpc+http://host:port/path;master=multi;transfer=control;method=POST
//	httpc+https://host/path;autoclose=yes
package httpchannel

import "github.com/sammck-go/muxchan/pkg/channel"

// Register adds the httpc, httpc+http and httpc+https schemes to ctx
func Register(ctx *channel.Context) error {
	if err := ctx.Register("httpc", newGroup); err != nil {
		return err
	}
	for _, proto := range []string{"httpc+http", "httpc+https"} {
		if err := ctx.Register(proto, newRequest); err != nil {
			return err
		}
	}
	return nil
}
