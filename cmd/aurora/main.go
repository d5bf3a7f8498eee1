// Command aurora boots the kernel: load configuration, assemble the
// boot sequence (internal/kernel), and keep the process alive while the
// scheduler's per-CPU goroutines run until a termination signal arrives.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/Athryx/aurora-os/internal/config"
	"github.com/Athryx/aurora-os/internal/kernel"
	"github.com/Athryx/aurora-os/internal/klog"
)

func main() {
	if err := run(); err != nil {
		klog.For("main").WithError(err).Fatal("aurora exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.InitrdPath == "" {
		return config.ErrMissingInitrd
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	klog.SetLevel(level)

	log := klog.For("main")
	log.WithField("cpus", cfg.CPUCount).
		WithField("pages", cfg.MemoryPages).
		WithField("initrd", cfg.InitrdPath).
		Info("booting")

	k, err := kernel.Boot(cfg)
	if err != nil {
		return fmt.Errorf("boot kernel: %w", err)
	}
	log.WithField("init_process", k.InitProcess.Cid).Info("boot complete")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	k.Processes.Exit(k.InitProcess.Cid)
	return nil
}
