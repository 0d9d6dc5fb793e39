// Command kvscand runs a standalone scan-dispatch node: one namespace's
// partition store, the four scan flavors, and the admin HTTP surface,
// wired together the way cmd/jobbie/main.go wires its store, raft
// cluster, scheduler, and HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/kvscan/internal/adminhttp"
	"github.com/user/kvscan/internal/clusterview"
	"github.com/user/kvscan/internal/observability"
	"github.com/user/kvscan/internal/partition"
	"github.com/user/kvscan/internal/scan/dispatch"
	"github.com/user/kvscan/internal/scan/handle"
	"github.com/user/kvscan/internal/scan/manager"
	"github.com/user/kvscan/internal/scanaudit"
	"github.com/user/kvscan/internal/setregistry"
	"github.com/user/kvscan/internal/txqueue"
	"github.com/user/kvscan/internal/udf"
	"github.com/user/kvscan/internal/wire"
)

var logLevel string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kvscand",
	Short: "kvscand — scan dispatch node",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scan dispatch node",
	RunE:  runServe,
}

var (
	namespace        string
	bindAddr         string
	adminAddr        string
	dataDir          string
	storageBackend   string
	nodeID           string
	raftBind         string
	bootstrap        bool
	sliceConcurrency int
	bgWorkers        int
	maxBackgroundRPS uint32
	otelEnabled      bool
	otelEndpoint     string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	serveCmd.Flags().StringVar(&namespace, "namespace", "default", "Namespace this node serves")
	serveCmd.Flags().StringVar(&bindAddr, "bind", ":3800", "Scan request listener bind address")
	serveCmd.Flags().StringVar(&adminAddr, "admin-bind", ":3801", "Admin HTTP bind address")
	serveCmd.Flags().StringVar(&dataDir, "data-dir", "data", "Directory for partition store and audit database files")
	serveCmd.Flags().StringVar(&storageBackend, "storage", "pebble", "Partition storage backend: pebble or badger")
	serveCmd.Flags().StringVar(&nodeID, "node-id", "node-1", "Unique node ID")
	serveCmd.Flags().StringVar(&raftBind, "raft-bind", ":3900", "Cluster membership raft transport bind address")
	serveCmd.Flags().BoolVar(&bootstrap, "bootstrap", true, "Bootstrap a new single-node cluster membership view")
	serveCmd.Flags().IntVar(&sliceConcurrency, "slice-concurrency", 8, "Concurrent partition slices per scan job")
	serveCmd.Flags().IntVar(&bgWorkers, "background-workers", 16, "Worker pool size for background-scan sub-transactions")
	serveCmd.Flags().Uint32Var(&maxBackgroundRPS, "max-background-rps", 25000, "background_scan_max_rps ceiling for udf/ops-background jobs")
	serveCmd.Flags().BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	serveCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint for traces; empty uses stdout exporter")

	rootCmd.AddCommand(serveCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func runServe(cmd *cobra.Command, args []string) error {
	slog.Info("starting kvscand",
		"namespace", namespace, "bind", bindAddr, "admin_bind", adminAddr,
		"storage", storageBackend, "data_dir", dataDir,
		"slice_concurrency", sliceConcurrency, "background_workers", bgWorkers,
		"max_background_rps", maxBackgroundRPS,
	)

	otelShutdown, err := observability.InitTracer(otelEnabled, "kvscand", otelEndpoint)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}()

	var backend partition.Backend
	switch storageBackend {
	case "badger":
		backend, err = partition.OpenBadger(dataDir + "/partitions")
	case "pebble":
		backend, err = partition.OpenPebble(dataDir + "/partitions")
	default:
		return fmt.Errorf("unsupported storage backend %q", storageBackend)
	}
	if err != nil {
		return fmt.Errorf("open partition backend: %w", err)
	}
	store := partition.Open(namespace, backend)
	defer store.Close()

	view, err := clusterview.Open(clusterview.Config{
		NodeID:    nodeID,
		RaftBind:  raftBind,
		DataDir:   dataDir,
		Bootstrap: bootstrap,
	})
	if err != nil {
		return fmt.Errorf("open cluster view: %w", err)
	}
	defer view.Shutdown()

	audit, err := scanaudit.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open scan audit db: %w", err)
	}
	defer audit.Close()

	registry := udf.NewRegistry()
	handleTable := handle.NewTable()
	queue := txqueue.NewQueue(store, bgWorkers, handleTable.Dispatch)
	defer queue.Close()

	mgr := manager.New(store, sliceConcurrency, audit.RecordObserver)
	resolver := setregistry.New()

	dispatcher := &dispatch.Dispatcher{
		Manager:          mgr,
		Resolver:         resolver,
		Registry:         registry,
		Queue:            queue,
		HandleTable:      handleTable,
		ClusterKeys:      view,
		MaxBackgroundRPS: maxBackgroundRPS,
	}

	admin := adminhttp.New(mgr, adminAddr)
	go func() {
		if err := admin.ListenAndServe(); err != nil {
			slog.Error("admin http server error", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", bindAddr, err)
	}
	slog.Info("kvscand ready", "bind", bindAddr, "admin_bind", adminAddr)

	go acceptLoop(ln, dispatcher)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig)

	_ = ln.Close()
	time.Sleep(100 * time.Millisecond)
	slog.Info("kvscand stopped")
	return nil
}

func acceptLoop(ln net.Listener, d *dispatch.Dispatcher) {
	for {
		c, err := ln.Accept()
		if err != nil {
			slog.Info("scan listener closed", "error", err)
			return
		}
		go handleConn(c, d)
	}
}

func handleConn(c net.Conn, d *dispatch.Dispatcher) {
	env, err := wire.DecodeRequest(c)
	if err != nil {
		slog.Warn("decode scan request", "error", err, "remote", c.RemoteAddr())
		c.Close()
		return
	}

	ops := make([]txqueue.Op, 0, len(env.Ops))
	for _, o := range env.Ops {
		ops = append(ops, txqueue.Op{Bin: o.Bin, Type: txqueue.OpType(o.Type), Value: o.Value})
	}

	req := dispatch.Request{
		Raw:           env.Raw,
		IsUDF:         env.IsUDF,
		InfoWrite:     env.InfoWrite,
		UDFOp:         env.UDFOp,
		NoBinData:     env.NoBinData,
		UDFModule:     env.UDFModule,
		UDFName:       env.UDFName,
		Ops:           ops,
		UpdateOnly:    env.UpdateOnly,
		ReplaceOnly:   env.ReplaceOnly,
		DurableDelete: env.DurableDelete,
	}

	trid, err := d.Scan(req, c)
	if err != nil {
		slog.Warn("scan rejected", "error", err, "remote", c.RemoteAddr())
		c.Close()
		return
	}
	slog.Debug("scan admitted", "trid", trid, "remote", c.RemoteAddr())
	// Background flavors already replied fin(OK) and released c in their
	// constructor; basic/aggregate flavors own c for the life of the job
	// and release it with conn.State.FinishAndClose, which closes c only
	// when asked to force-close or when the fin send fails.
}
