package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/clustr"
	"github.com/loykin/clustr/pkg/client"
)

var errNoConfig = errors.New("--config is required")

func loadConfig(flags GlobalFlags) (*clustr.Config, error) {
	if flags.ConfigPath == "" {
		return nil, errNoConfig
	}
	return clustr.LoadConfig(flags.ConfigPath)
}

func runServe(ctx context.Context, flags GlobalFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	n, err := clustr.NewNode(cfg)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	n.Logger().Info("Serving", "cluster", cfg.ClusterName, "admin", cfg.Server.Listen, "metrics", cfg.Metrics.Enabled)
	return n.Run(ctx)
}

func runProcesses(ctx context.Context, out io.Writer, global GlobalFlags, flags ProcessesFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if flags.APIUrl != "" {
		c, err := client.New(client.Config{BaseURL: flags.APIUrl, Timeout: flags.APITimeout})
		if err != nil {
			return err
		}
		list, err := c.Processes(ctx, flags.Type)
		if err != nil {
			return err
		}
		return printJSON(out, list)
	}

	cfg, err := loadConfig(global)
	if err != nil {
		return err
	}
	d, err := clustr.OpenDirectory(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	var ps []clustr.Process
	if flags.Type != "" {
		ps, err = d.ProcessesByType(ctx, flags.Type)
	} else {
		ps, err = d.Processes(ctx)
	}
	if err != nil {
		return err
	}
	now := time.Now()
	list := client.ProcessList{Cluster: d.Cluster(), Processes: make([]client.Process, 0, len(ps))}
	for _, p := range ps {
		list.Processes = append(list.Processes, toClientProcess(p, clustr.IsAlive(p, now, d.LivenessTimeout())))
	}
	return printJSON(out, list)
}

func runSweep(ctx context.Context, out io.Writer, flags GlobalFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	d, err := clustr.OpenDirectory(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	purged, err := d.PurgeStale(ctx)
	if err != nil {
		return err
	}
	list := client.ProcessList{Cluster: d.Cluster(), Processes: make([]client.Process, 0, len(purged))}
	for _, p := range purged {
		list.Processes = append(list.Processes, toClientProcess(p, false))
	}
	return printJSON(out, list)
}
