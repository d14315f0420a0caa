// Command beepd runs a long-lived BEEP listener daemon: it loads a
// <listeners> file, opens one beep.Listener per entry, accepts connections
// forever, and serves Prometheus metrics over HTTP — following
// marmos91-dittofs's cmd/dittofs daemon shape (cobra root command, a
// "serve"-style default action, graceful shutdown on signal).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/beepproto/beep"
	"github.com/beepproto/beep/config"
	"github.com/beepproto/beep/logging"
)

var listenersPath string

func main() {
	root := &cobra.Command{
		Use:           "beepd",
		Short:         "BEEP session-layer listener daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.Flags().StringVar(&listenersPath, "listeners", "listeners.xml", "path to the <listeners> configuration file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "beepd:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := logging.New().With("cmd", "beepd")

	loader := config.NewLoader()
	rt, err := loader.Runtime()
	if err != nil {
		return err
	}
	specs, err := loader.LoadListeners(listenersPath)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return fmt.Errorf("beepd: %s declares no listeners", listenersPath)
	}

	cfg := beep.DefaultConfig()
	cfg.WorkerPoolSize = rt.WorkerPoolSize
	cfg.DefaultWindow = uint32(rt.DefaultWindow)
	cfg.DefaultTimeout = rt.DefaultTimeout
	if err := cfg.Verify(); err != nil {
		return err
	}

	ctx, err := beep.NewContext(cfg)
	if err != nil {
		return err
	}
	defer ctx.Close()

	var listeners []*beep.Listener
	for _, spec := range specs {
		ln, err := beep.Listen(ctx, "tcp", spec.Addr())
		if err != nil {
			return fmt.Errorf("beepd: listener %s: %w", spec.Addr(), err)
		}
		log.Info("listening", "addr", ln.Addr(), "profile", spec.ProfileURI)
		listeners = append(listeners, ln)
		go acceptForever(ctx, ln, log)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", ctx.Metrics().Handler())
	metricsSrv := &http.Server{Addr: rt.MetricsAddr, Handler: mux}
	go func() {
		log.Info("serving metrics", "addr", rt.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "err", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	for _, ln := range listeners {
		_ = ln.Close()
	}
	_ = metricsSrv.Shutdown(context.Background())
	return ctx.Close()
}

func acceptForever(ctx *beep.Context, ln *beep.Listener, log *logging.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Warn("accept loop stopped", "err", err)
			return
		}
		log.Info("accepted connection", "remote", conn.RemoteAddr(), "profiles", conn.PeerProfiles())
	}
}
