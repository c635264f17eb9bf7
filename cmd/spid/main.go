//go:build linux

// Package main runs the spid daemon: an SPI device service multiplexing
// spidev masters across local client sessions.
package main

import (
	"context"

	"github.com/edaniels/golog"
	"go.viam.com/utils"

	"github.com/mangoh-io/spid/server"
	"github.com/mangoh-io/spid/spi"
	"github.com/mangoh-io/spid/spi/spidev"
)

var logger = golog.NewDevelopmentLogger("spid")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	Socket string `flag:"socket,default=/tmp/spid.sock,usage=unix socket to serve on"`
	DevDir string `flag:"devdir,default=/dev,usage=device node directory"`
	Watch  bool   `flag:"watch,usage=log SPI device hotplug events"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	devices, err := spidev.Devices(argsParsed.DevDir)
	if err != nil {
		return err
	}
	logger.Infow("SPI devices present", "devices", devices)

	if argsParsed.Watch {
		utils.PanicCapturingGo(func() {
			if err := spidev.Watch(ctx, argsParsed.DevDir, logger); err != nil {
				logger.Errorw("device watcher stopped", "error", err)
			}
		})
	}

	registry := spi.NewRegistry(spidev.NewBus(), argsParsed.DevDir, logger)
	return server.New(registry, logger).Serve(ctx, argsParsed.Socket)
}
