package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sammck-go/muxchan/pkg/builtin"
	"github.com/sammck-go/muxchan/pkg/config"
	"github.com/sammck-go/muxchan/share"
)

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file (default $MUXCHAN_CONFIG or ./muxchan.yaml)")
	watch := fs.Bool("watch", true, "apply route changes when the config file is edited")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := share.NewLogger("muxchan", share.StringToLogLevel(cfg.Log.Level))

	ctx, err := builtin.NewContext(logger)
	if err != nil {
		return err
	}
	server, err := ctx.Channel(cfg.ServerURL(), nil, nil)
	if err != nil {
		return err
	}
	if err := server.Open(nil); err != nil {
		return err
	}
	defer ctx.Close()

	routes := newRouteSet(logger, ctx, server)
	if err := routes.apply(cfg.Routes); err != nil {
		return err
	}

	if path := config.DiscoverFile(*configPath); *watch && path != "" {
		w, err := config.NewWatcher(logger, path, func(next *config.Config, err error) {
			if err != nil {
				logger.ELogf("keeping current routes: %s", err)
				return
			}
			if next.Server != cfg.Server || next.Log != cfg.Log {
				logger.WLogf("server and log settings changed, restart to apply them")
			}
			if err := routes.apply(next.Routes); err != nil {
				logger.ELogf("%s", err)
			}
		})
		if err != nil {
			return err
		}
		defer w.Shutdown(nil)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	s := <-sig
	logger.ILogf("Received %s, shutting down", s)
	return nil
}
