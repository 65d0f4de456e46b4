package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gosuda.org/shmbridge"
)

// supervisor owns the shmstub child process
type supervisor struct {
	stub    string
	config  string
	cfg     *shmbridge.Config
	engine  *shmbridge.Engine
	log     logrus.FieldLogger
	timeout time.Duration

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}
}

func (s *supervisor) start(ctx context.Context) error {
	params := s.engine.Params(s.cfg.Params())
	args := []string{
		"-region", params.RegionName,
		"-control-offset", strconv.FormatUint(params.ControlOffset, 10),
		"-model", params.ModelPath,
		"-heartbeat", s.cfg.Bridge.HeartbeatInterval.String(),
	}
	if params.InstanceName != "" {
		args = append(args, "-instance", params.InstanceName)
	}
	if s.config != "" {
		args = append(args, "-config", s.config)
	}

	cmd := exec.Command(s.stub, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.stub, err)
	}
	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		s.log.WithError(err).Infof("worker %d exited", cmd.Process.Pid)
		close(exited)
	}()

	s.mu.Lock()
	s.cmd, s.exited = cmd, exited
	s.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.engine.WaitReady(wctx); err != nil {
		return fmt.Errorf("worker %d not ready: %w", cmd.Process.Pid, err)
	}
	s.log.Infof("worker %d ready", cmd.Process.Pid)
	return nil
}

// restart kills the current worker and starts a replacement.
func (s *supervisor) restart(ctx context.Context) error {
	s.stop()
	s.engine.PrepareRestart()
	return s.start(ctx)
}

// stop kills the worker unless it already exited.
func (s *supervisor) stop() {
	s.mu.Lock()
	cmd, exited := s.cmd, s.exited
	s.mu.Unlock()
	if cmd == nil {
		return
	}
	select {
	case <-exited:
		return
	case <-time.After(s.timeout):
	}
	cmd.Process.Kill()
	<-exited
}
