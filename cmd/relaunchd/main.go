package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/bboozzoo/relaunch/config"
	"github.com/bboozzoo/relaunch/jobs"
	"github.com/bboozzoo/relaunch/restart"
	"github.com/bboozzoo/relaunch/server"
	"github.com/bboozzoo/relaunch/utils"
	"github.com/bboozzoo/relaunch/watcher"
)

type options struct {
	Config  string `long:"config" required:"yes" description:"config file path"`
	Address string `long:"address" description:"listen address of the control API, overrides the config"`
	Debug   bool   `long:"debug"`
}

var netListen = net.Listen

func run(opt *options) error {
	cfg, err := config.Load(opt.Config)
	if err != nil {
		return fmt.Errorf("cannot load config: %v", err)
	}
	if opt.Address != "" {
		cfg.API.Address = opt.Address
	}
	client := &jobs.CLI{
		Bin:     cfg.CLI.Bin,
		Timeout: time.Duration(cfg.CLI.Timeout),
	}
	w := watcher.New(cfg, client, restart.New(cfg, client))

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	watchDoneC := make(chan error, 1)
	go func() {
		watchDoneC <- w.Run(ctx)
	}()

	// stays nil without the API, a nil channel never becomes ready
	var serveDoneC chan error
	if cfg.API.Address != "" {
		s, err := server.New(w, cfg.API.Tokens)
		if err != nil {
			return fmt.Errorf("cannot set up the control API: %v", err)
		}
		l, err := netListen("tcp", cfg.API.Address)
		if err != nil {
			return fmt.Errorf("cannot listen on %q: %v", cfg.API.Address, err)
		}
		logrus.Infof("control API on %v", l.Addr())
		serveDoneC = make(chan error, 1)
		go func() {
			serveDoneC <- s.Serve(ctx, l)
		}()
	}

	select {
	case err := <-watchDoneC:
		if err != nil {
			return fmt.Errorf("cannot watch job: %v", err)
		}
	case err := <-serveDoneC:
		if err != nil {
			return fmt.Errorf("cannot serve the control API: %v", err)
		}
	}
	return nil
}

func main() {
	logrus.SetFormatter(&utils.TagFormatter{Tag: "relaunchd"})
	gin.SetMode(gin.ReleaseMode)
	opt := &options{}
	_, err := flags.ParseArgs(opt, os.Args[1:])
	if err != nil {
		if utils.IsErrHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}
	if opt.Debug {
		logrus.SetLevel(logrus.TraceLevel)
	}
	if err := run(opt); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
