package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	child_process_manager "github.com/AgustinSRG/go-child-process-manager"
	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/observability"

	"github.com/xaionaro-go/capturectl/pkg/capturer"
	"github.com/xaionaro-go/capturectl/pkg/capturer/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	loggerLevel := logger.LevelInfo
	pflag.Var(&loggerLevel, "log-level", "log level")
	configPath := pflag.String("config", "~/.capturectl.yaml", "path to the config file")
	method := pflag.String("method", "", "capture method: portal, headless, x11 or test")
	receiverHost := pflag.String("receiver-host", "", "receiver address")
	receiverPort := pflag.Uint16("receiver-port", 0, "receiver port")
	framerate := pflag.Uint32("framerate", 0, "capture frame rate")
	bitrate := pflag.Uint32("bitrate", 0, "encoder bitrate (kbps)")
	width := pflag.Uint32("width", 0, "headless output width")
	height := pflag.Uint32("height", 0, "headless output height")
	inputRelay := pflag.Bool("input-relay", false, "start the input relay")
	inputRelayPort := pflag.Uint16("input-relay-port", 0, "input relay port")
	sourceName := pflag.String("source-name", "", "source node name to capture (overrides the default)")
	pflag.Parse()

	l := logrus.Default().WithLevel(loggerLevel)
	logger.Default = func() logger.Logger {
		return l
	}
	ctx := logger.CtxWithLogger(context.Background(), l)
	defer belt.Flush(ctx)

	if pflag.NArg() != 0 {
		logger.Errorf(ctx, "exactly zero positional arguments expected")
		return 2
	}

	err := child_process_manager.InitializeChildProcessManager()
	if err != nil {
		logger.Errorf(ctx, "unable to initialize the child process manager: %v", err)
		return 1
	}
	defer child_process_manager.DisposeChildProcessManager()

	cfg, err := config.ReadFromPath(*configPath)
	if err != nil {
		logger.Errorf(ctx, "%v", err)
		return 1
	}
	if envMethod := os.Getenv("CAPTURE_METHOD"); envMethod != "" {
		cfg.Method = config.Method(envMethod)
	}
	overrideString(&cfg.Method, config.Method(*method))
	overrideString(&cfg.ReceiverHost, *receiverHost)
	overrideNum(&cfg.ReceiverPort, *receiverPort)
	overrideNum(&cfg.Framerate, *framerate)
	overrideNum(&cfg.BitrateKbps, *bitrate)
	overrideNum(&cfg.Width, *width)
	overrideNum(&cfg.Height, *height)
	overrideString(&cfg.SourceNodeName, *sourceName)
	if *inputRelay {
		cfg.InputRelay.Enable = true
	}
	overrideNum(&cfg.InputRelay.Port, *inputRelayPort)

	ctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	observability.Go(ctx, func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case sig := <-sigCh:
			logger.Infof(ctx, "received %v, shutting down", sig)
			cancelFn()
		}
	})

	if err := capturer.New(cfg).Run(ctx); err != nil {
		logger.Errorf(ctx, "%v", err)
		return 1
	}
	return 0
}

func overrideString[T ~string](dst *T, v T) {
	if v != "" {
		*dst = v
	}
}

func overrideNum[T ~uint16 | ~uint32](dst *T, v T) {
	if v != 0 {
		*dst = v
	}
}
