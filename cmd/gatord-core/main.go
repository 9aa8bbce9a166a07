// Command gatord-core is the thin entrypoint that loads a capture
// configuration bundle and a target-PID pattern and drives one capture
// to completion. The full XML/flag parsing surface of the daemon is
// handled by the client-facing layer; this command only does enough to
// drive internal/capture end to end.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/ARM-software/gator-sub002/internal/attr"
	"github.com/ARM-software/gator-sub002/internal/capture"
	"github.com/ARM-software/gator-sub002/internal/sink"
)

var logger = logrus.StandardLogger()

func main() {
	var (
		configPath string
		captureDir string
		pidPattern string
		oneShot    bool
	)

	root := &cobra.Command{
		Use:   "gatord-core",
		Short: "Arm perf_event_open profiling capture core",
		Long: `gatord-core loads a JSON capture configuration describing the PMU
event groups to bind and drives one capture from prepare through
shutdown, emitting APC frames to a sink.

It is the core of the profiling daemon: the transport protocol, XML
session descriptors, and interactive client commands are handled by an
external collaborator process and are out of this command's scope.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), runOptions{
				configPath: configPath,
				captureDir: captureDir,
				pidPattern: pidPattern,
				oneShot:    oneShot,
			})
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "", "path to a JSON capture configuration bundle (required)")
	root.Flags().StringVar(&captureDir, "capture-dir", "", "directory to persist the raw APC frame stream to")
	root.Flags().StringVar(&pidPattern, "wait-for", "", "regular expression matching the target process command line")
	root.Flags().BoolVar(&oneShot, "one-shot", false, "stop the capture as soon as the sink buffer fills once")
	_ = root.MarkFlagRequired("config")

	if err := root.Execute(); err != nil {
		logger.WithError(err).Error("gatord-core: fatal")
		os.Exit(1)
	}
}

type runOptions struct {
	configPath string
	captureDir string
	pidPattern string
	oneShot    bool
}

func run(ctx context.Context, o runOptions) error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return errors.Wrap(err, "gatord-core: loading configuration")
	}
	if o.pidPattern != "" {
		cfg.WaitForCommandPattern = o.pidPattern
	}
	if o.captureDir != "" {
		cfg.CaptureDir = o.captureDir
	}
	if o.oneShot {
		cfg.OneShot = true
	}

	outSink, err := buildSink(cfg)
	if err != nil {
		return errors.Wrap(err, "gatord-core: building sink")
	}

	orch := capture.New(capture.Options{
		Config: cfg,
		Sink:   outSink,
		Logger: logger,
		ReadyFunc: func() error {
			logger.Info("gatord-core: armed, ready for target exec")
			return nil
		},
	})

	if err := orch.Prepare(); err != nil {
		return errors.Wrap(err, "gatord-core: preparing capture")
	}

	sigPipe := newSelfPipe()
	defer sigPipe.close()

	if err := orch.Start(ctx, time.Now()); err != nil {
		orch.Shutdown()
		return errors.Wrap(err, "gatord-core: starting capture")
	}

	select {
	case <-ctx.Done():
		logger.Info("gatord-core: context cancelled, shutting down")
	case <-sigPipe.c:
		logger.Info("gatord-core: signal received, shutting down")
	}

	orch.Shutdown()

	for cpu, reason := range orch.DegradedCPUs() {
		logger.WithField("cpu", cpu).WithError(reason).Warn("gatord-core: capture finished with a degraded CPU")
	}
	if orch.FramesDelivered() == 0 {
		return errors.New("gatord-core: capture produced no frames")
	}
	return nil
}

func loadConfig(path string) (attr.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return attr.Config{}, errors.Wrapf(err, "reading %s", path)
	}

	var cfg attr.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return attr.Config{}, errors.Wrapf(err, "parsing %s", path)
	}
	return cfg, nil
}

func buildSink(cfg attr.Config) (sink.Sink, error) {
	if cfg.CaptureDir == "" {
		return sink.NewMultiSink(), nil
	}
	return sink.NewFileSink(cfg.CaptureDir)
}

// selfPipe keeps signal handling at arm's length from capture state:
// signal.Notify's delivery goroutine is the only thing that touches the
// write side, and the main loop only ever observes the read side
// through a channel, so nothing capture-owned is mutated from
// signal-delivery context.
type selfPipe struct {
	c      chan struct{}
	notify chan os.Signal
}

func newSelfPipe() *selfPipe {
	p := &selfPipe{
		c:      make(chan struct{}, 1),
		notify: make(chan os.Signal, 1),
	}
	signal.Notify(p.notify, unix.SIGINT, unix.SIGTERM)
	go func() {
		if _, ok := <-p.notify; ok {
			select {
			case p.c <- struct{}{}:
			default:
			}
		}
	}()
	return p
}

func (p *selfPipe) close() {
	signal.Stop(p.notify)
	close(p.notify)
}
