// Package builtin registers every channel scheme shipped with muxchan.
package builtin

import (
	"github.com/sammck-go/muxchan/pkg/channel"
	"github.com/sammck-go/muxchan/pkg/direct"
	"github.com/sammck-go/muxchan/pkg/httpchannel"
	"github.com/sammck-go/muxchan/pkg/wschannel"
	"github.com/sammck-go/muxchan/share"
)

// Register adds the ws, httpc and direct schemes to ctx
func Register(ctx *channel.Context) error {
	for _, register := range []func(*channel.Context) error{
		wschannel.Register,
		httpchannel.Register,
		direct.Register,
	} {
		if err := register(ctx); err != nil {
			return err
		}
	}
	return nil
}

// NewContext returns a Context with every builtin scheme registered
func NewContext(logger share.Logger) (*channel.Context, error) {
	ctx := channel.NewContext(logger)
	if err := Register(ctx); err != nil {
		return nil, err
	}
	return ctx, nil
}
