// Command kcore boots the kernel core from a configuration file and drives
// its timer for a while, writing diagnostic images on the way out.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/iansmith/kcore/config"
	"github.com/iansmith/kcore/core"
	"github.com/iansmith/kcore/diag"
	"github.com/iansmith/kcore/kernel"
	"github.com/iansmith/kcore/klog"
	"github.com/iansmith/kcore/sched"
)

func main() {
	configPath := flag.String("config", "", "JSON configuration file (built-in defaults when empty)")
	duration := flag.Duration("duration", time.Second, "how long to run the timer")
	threads := flag.Int("threads", 4, "number of kernel threads to start")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: kcore [-config file] [-duration d] [-threads n]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
			os.Exit(1)
		}
	}

	logger, closer, err := klog.Init(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}

	code := run(cfg, logger, *duration, *threads)
	closer.Close()
	os.Exit(code)
}

func run(cfg config.Config, logger *slog.Logger, duration time.Duration, threads int) (code int) {
	k, err := core.Boot(cfg, logger)
	if err != nil {
		logger.Error("boot failed", "error", err)
		return 1
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		h, ok := kernel.AsHalt(r)
		if !ok {
			panic(r)
		}
		if cfg.DiagDir != "" {
			path := filepath.Join(cfg.DiagDir, "halt.png")
			if err := diag.SavePNG(path, k.HaltScreen(h)); err != nil {
				logger.Error("halt screen not written", "error", err)
			} else {
				logger.Info("halt screen written", "path", path)
			}
		}
		code = 2
	}()

	tiers := []sched.Tier{sched.TierLow, sched.TierNormal, sched.TierNormal, sched.TierHigh}
	for i := 0; i < threads; i++ {
		spec := sched.Spec{
			Name:  fmt.Sprintf("worker%d", i),
			Tier:  tiers[i%len(tiers)],
			Entry: 0x1000 + uint64(i)*0x100,
			Arg:   uint64(i),
		}
		if _, err := k.Spawn(spec); err != nil {
			logger.Error("spawn failed", "name", spec.Name, "error", err)
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	if err := k.Run(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		logger.Error("timer stopped", "error", err)
		return 1
	}

	for _, sw := range lastSwitches(k.Sched().Switches(), 8) {
		logger.Debug("switch", "tick", sw.Tick, "from", sw.From, "to", sw.To, "reason", sw.Reason)
	}
	snap := k.Sched().Snapshot()
	logger.Info("kernel stopped",
		"ticks", k.IRQ().Ticks(),
		"current", snap.Current,
		"threads", snap.Threads,
		"free_frames", k.Frames().FreeCount())

	if cfg.DiagDir != "" {
		if err := writeMemoryMap(k, cfg.DiagDir); err != nil {
			logger.Error("memory map not written", "error", err)
			return 1
		}
	}
	return 0
}

func lastSwitches(sw []sched.Switch, n int) []sched.Switch {
	if len(sw) > n {
		return sw[len(sw)-n:]
	}
	return sw
}

func writeMemoryMap(k *core.Kernel, dir string) error {
	img := k.MemoryMap()
	if err := diag.SavePNG(filepath.Join(dir, "memmap.png"), img); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, "memmap.raw"))
	if err != nil {
		return err
	}
	defer f.Close()
	return diag.WriteRaw(f, img)
}
