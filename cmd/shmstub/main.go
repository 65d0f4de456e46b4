// Command shmstub hosts a model behind the shared-memory execution bridge.
// It attaches to a region created by an engine process and serves requests
// until the engine asks it to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"gosuda.org/shmbridge"
	"gosuda.org/shmbridge/internal/device"
	"gosuda.org/shmbridge/internal/shm"
)

func main() {
	var (
		configPath = flag.String("config", "", "TOML configuration file")
		region     = flag.String("region", "", "Shared region name (overrides config)")
		control    = flag.Uint64("control-offset", 0, "Control block offset (overrides config)")
		model      = flag.String("model", "", "Model path (overrides config)")
		instance   = flag.String("instance", "", "Model instance name (overrides config)")
		heartbeat  = flag.Duration("heartbeat", 0, "Heartbeat interval (overrides config)")
		list       = flag.Bool("models", false, "List the models this stub can host")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Println("shmstub - shared-memory execution bridge")
		fmt.Printf("Built with Go %s\n", runtime.Version())
		return
	}
	if *list {
		for _, name := range shmbridge.Models() {
			fmt.Println(name)
		}
		return
	}

	cfg := shmbridge.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = shmbridge.LoadConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "shmstub: %v\n", err)
			os.Exit(1)
		}
	}
	if *region != "" {
		cfg.Region.Name = *region
	}
	if *control != 0 {
		cfg.Region.ControlOffset = *control
	}
	if *model != "" {
		cfg.Model.Path = *model
	}
	if *instance != "" {
		cfg.Model.InstanceName = *instance
	}
	if *heartbeat > 0 {
		cfg.Bridge.HeartbeatInterval.Duration = *heartbeat
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "shmstub: %v\n", err)
		flag.PrintDefaults()
		os.Exit(1)
	}

	logger, err := shmbridge.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shmstub: %v\n", err)
		os.Exit(1)
	}
	os.Exit(run(cfg, logger))
}

func run(cfg *shmbridge.Config, logger *logrus.Logger) int {
	log := logger.WithFields(logrus.Fields{"pid": os.Getpid(), "model": cfg.Model.Path})
	shmbridge.SetLogger(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := shmbridge.Options{
		Logger:            log,
		HeartbeatInterval: cfg.Bridge.HeartbeatInterval.Duration,
		HangTimeout:       cfg.Bridge.HangTimeout.Duration,
	}
	if cfg.Bridge.DeviceMemory {
		drv := device.NewPoolDriver(cfg.Bridge.DevicePoolPrefix, shm.Options{})
		defer drv.Close()
		opts.DeviceDriver = drv
	}

	bridge := shmbridge.NewBridge(opts)
	if err := bridge.Initialize(ctx, cfg.Params()); err != nil {
		log.WithError(err).Error("initialization failed")
		return 1
	}

	code := 0
	if err := bridge.Run(ctx); err != nil {
		if shmbridge.IsFatal(err) {
			log.WithError(err).Error("transport failure, leaving the region")
		} else {
			log.WithError(err).Error("run loop failed")
		}
		code = 1
	}

	fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bridge.Finalize(fctx); err != nil {
		log.WithError(err).Warn("finalize")
	}
	return code
}
