// Command shmengine creates a shared region, starts a shmstub worker on it
// and keeps the worker alive while it submits add_sub requests.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"gosuda.org/shmbridge"
	"gosuda.org/shmbridge/internal/device"
	"gosuda.org/shmbridge/internal/shm"
)

func main() {
	var (
		configPath = flag.String("config", "", "TOML configuration file")
		stubPath   = flag.String("stub", "shmstub", "Path of the shmstub binary")
		region     = flag.String("region", "", "Shared region name (default shmbridge-<pid>)")
		requests   = flag.Int("requests", 10, "Number of add_sub requests to submit")
		interval   = flag.Duration("interval", 100*time.Millisecond, "Delay between requests")
	)
	flag.Parse()

	cfg := shmbridge.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = shmbridge.LoadConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "shmengine: %v\n", err)
			os.Exit(1)
		}
	}
	if *region != "" {
		cfg.Region.Name = *region
	}
	if cfg.Region.Name == "" {
		cfg.Region.Name = fmt.Sprintf("shmbridge-%d", os.Getpid())
	}
	if cfg.Model.Path == "" {
		cfg.Model.Path = "add_sub"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "shmengine: %v\n", err)
		os.Exit(1)
	}

	logger, err := shmbridge.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shmengine: %v\n", err)
		os.Exit(1)
	}
	log := logger.WithField("region", cfg.Region.Name)
	if err := run(cfg, *stubPath, *configPath, *requests, *interval, log); err != nil {
		log.WithError(err).Error("shmengine failed")
		os.Exit(1)
	}
}

func run(cfg *shmbridge.Config, stubPath, configPath string, n int, interval time.Duration, log logrus.FieldLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := cfg.EngineOptions()
	opts.Logger = log
	if cfg.Bridge.DeviceMemory {
		drv := device.NewPoolDriver(cfg.Bridge.DevicePoolPrefix, shm.Options{})
		defer drv.Close()
		opts.DeviceDriver = drv
	}
	engine, err := shmbridge.NewEngine(opts)
	if err != nil {
		return err
	}
	defer engine.Close()

	sup := &supervisor{
		stub:    stubPath,
		config:  configPath,
		cfg:     cfg,
		engine:  engine,
		log:     log,
		timeout: cfg.Supervisor.HeartbeatTimeout.Duration,
	}
	if err := sup.start(ctx); err != nil {
		return err
	}
	defer sup.stop()

	g, gctx := errgroup.WithContext(ctx)
	watchCtx, stopWatch := context.WithCancel(gctx)
	g.Go(func() error {
		w := &shmbridge.Watchdog{
			Source:  engine,
			Timeout: cfg.Supervisor.HeartbeatTimeout.Duration,
			Policy:  cfg.RestartPolicy(),
			Logger:  log,
			Restart: sup.restart,
		}
		return w.Run(watchCtx)
	})
	g.Go(func() error {
		defer stopWatch()
		return submit(gctx, engine, n, interval, log)
	})
	err = g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := engine.Shutdown(sctx); serr != nil {
		log.WithError(serr).Warn("worker did not acknowledge shutdown")
	}
	return err
}

func submit(ctx context.Context, engine *shmbridge.Engine, n int, interval time.Duration, log logrus.FieldLogger) error {
	for i := 0; i < n; i++ {
		a, b := int32(i), int32(2*i+1)
		req := &shmbridge.Request{
			ID:            fmt.Sprintf("demo-%d", i),
			CorrelationID: uint64(i),
			Inputs:        []shmbridge.Tensor{int32Tensor("INPUT0", a), int32Tensor("INPUT1", b)},
		}
		resps, err := engine.Infer(ctx, []*shmbridge.Request{req})
		if errors.Is(err, shmbridge.ErrWorkerStall) {
			log.WithError(err).Warnf("request %s lost to a worker restart", req.ID)
			continue
		}
		if err != nil {
			return err
		}
		if resps[0].Err != nil {
			log.WithError(resps[0].Err).Warnf("request %s failed", req.ID)
		} else {
			sum, _ := resps[0].Output("OUTPUT0")
			diff, _ := resps[0].Output("OUTPUT1")
			log.Infof("%s: %d+%d=%d %d-%d=%d", req.ID, a, b, int32At(sum), a, b, int32At(diff))
		}
		engine.Release(resps...)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
	return nil
}

func int32Tensor(name string, v int32) shmbridge.Tensor {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, uint32(v))
	return shmbridge.Tensor{Name: name, DType: shmbridge.TypeINT32, Shape: []int64{1}, Data: data}
}

func int32At(t *shmbridge.Tensor) int32 {
	if t == nil || len(t.Data) < 4 {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(t.Data))
}
