package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	xcp "github.com/xcplite/go-xcp"
	"github.com/xcplite/go-xcp/internal/cal"
	"github.com/xcplite/go-xcp/internal/config"
	"github.com/xcplite/go-xcp/internal/daq"
	"github.com/xcplite/go-xcp/internal/logging"
	"github.com/xcplite/go-xcp/internal/registry"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "xcp-server",
	Short: "Standalone XCP slave, serving calibration and DAQ over UDP/TCP",
	RunE: func(_ *cobra.Command, _ []string) error {
		return run(cmd)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "path to a YAML config file (defaults applied when omitted)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg := config.Default()
	if cmd.ConfigPath != "" {
		loaded, err := config.Load(cmd.ConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := logging.New(&logging.Config{Level: level})
	logging.SetDefault(log)
	defer log.Sync()

	// A standalone server without an embedder-supplied domain has nothing
	// to calibrate or sample; it still serves CONNECT/GET_STATUS/GET_ID so
	// a master can probe it, with one demo segment and one demo event so
	// the wire path is exercisable out of the box.
	segment := cal.NewSegment("default", int(cfg.SegmentSize))
	tables := daq.NewTables()
	reg := registry.New()
	if err := reg.AddEvent(registry.Event{ID: 0, Name: "10ms"}); err != nil {
		return fmt.Errorf("register event: %w", err)
	}
	reg.Finalize()

	resolver := &daq.SegmentResolver{Segments: []*cal.Segment{segment}}

	epk := cfg.EPK
	if epk == "" {
		epk = reg.EPK()
	}

	srv, err := xcp.NewServer(xcp.Params{
		Segments:       []*cal.Segment{segment},
		Tables:         tables,
		Registry:       reg,
		Resolver:       resolver,
		EPK:            epk,
		Transport:      cfg.Transport,
		Addr:           cfg.Addr(),
		Accelerated:    cfg.Accelerated,
		QueueSizeBytes: int(cfg.QueueSizeBytes),
		PersistDir:     cfg.PersistDir,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)

	srv.Start(ctx)
	wg.Go(srv.Wait)
	wg.Go(func() error {
		sig := waitInterrupted(ctx)
		log.Info("caught signal, shutting down", "signal", sig)
		srv.Stop()
		return nil
	})

	log.Info("xcp-server listening", "addr", cfg.Addr(), "transport", cfg.Transport)

	if err := wg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// waitInterrupted blocks until SIGINT/SIGTERM arrives or ctx is canceled.
func waitInterrupted(ctx context.Context) os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-ch:
		return sig
	case <-ctx.Done():
		return nil
	}
}
