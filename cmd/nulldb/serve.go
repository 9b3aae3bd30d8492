package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"nulldb/internal/config"
	apihttp "nulldb/internal/http"
	"nulldb/pkg/compaction"
	"nulldb/pkg/consensus"
	"nulldb/pkg/encoding"
	"nulldb/pkg/metrics"
	"nulldb/pkg/rpc"
	"nulldb/pkg/store"
	"nulldb/pkg/types"
)

type serveOptions struct {
	configPath string
	dir        string
	codec      string
	address    string
	listen     string
	peers      string
	compaction bool
	syncWrites bool
	logLevel   string
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a NullDB node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "nulldb.yaml", "config file")
	f.StringVar(&opts.dir, "dir", "", "data directory")
	f.StringVar(&opts.codec, "codec", "", "record codec: json, xml or proto")
	f.StringVar(&opts.address, "address", "", "host:port other nodes and clients use to reach this node; also its id")
	f.StringVar(&opts.listen, "listen", "", "bind address, defaults to --address")
	f.StringVar(&opts.peers, "peers", "", "comma-separated host:port list of the other nodes")
	f.BoolVar(&opts.compaction, "compaction", true, "run scheduled background compaction")
	f.BoolVar(&opts.syncWrites, "sync-writes", false, "fsync the main segment after every write")
	f.StringVar(&opts.logLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR")
	return cmd
}

// overrides applies only the flags the user actually set.
func (o *serveOptions) overrides(cmd *cobra.Command) func(*config.Config) {
	changed := cmd.Flags().Changed
	return func(cfg *config.Config) {
		if changed("dir") {
			cfg.Storage.Dir = o.dir
		}
		if changed("codec") {
			cfg.Storage.Codec = o.codec
		}
		if changed("address") {
			cfg.Node.Address = o.address
		}
		if changed("listen") {
			cfg.Node.Listen = o.listen
		}
		if changed("peers") {
			cfg.Node.Peers = config.ParsePeers(o.peers)
		}
		if changed("compaction") {
			cfg.Compaction.Enabled = o.compaction
		}
		if changed("sync-writes") {
			cfg.Storage.SyncWrites = o.syncWrites
		}
		if changed("log-level") {
			cfg.Logger.Level = o.logLevel
		}
	}
}

func runServe(cmd *cobra.Command, opts *serveOptions) error {
	cfg, err := initConfig(opts.configPath, opts.overrides(cmd))
	if err != nil {
		return err
	}
	logger, logCloser, err := initLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewPrometheus(reg)

	codec, err := encoding.New(encoding.Kind(cfg.Storage.Codec))
	if err != nil {
		return err
	}
	st, err := store.Open(store.Config{
		Dir:           cfg.Storage.Dir,
		Codec:         codec,
		RotationLines: cfg.Storage.RotationLines,
		SyncWrites:    cfg.Storage.SyncWrites,
		ReadCacheSize: cfg.Storage.ReadCacheSize,
		Logger:        logger,
		Metrics:       collector,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	peers := make(map[types.NodeID]consensus.Peer, len(cfg.Node.Peers))
	for _, addr := range cfg.Node.Peers {
		peers[types.NodeID(addr)] = rpc.NewPeer(addr, logger)
	}
	node, err := consensus.New(consensus.Config{
		ID:                 types.NodeID(cfg.Node.Address),
		TickInterval:       cfg.Raft.TickInterval,
		HeartbeatInterval:  cfg.Raft.HeartbeatInterval,
		MinElectionTimeout: cfg.Raft.MinElectionTimeout,
		MaxElectionTimeout: cfg.Raft.MaxElectionTimeout,
		RPCTimeout:         cfg.Raft.RPCTimeout,
		MaxInflightRPCs:    cfg.Raft.MaxInflightRPCs,
		Logger:             logger,
		Metrics:            collector,
	}, st, peers)
	if err != nil {
		return fmt.Errorf("create consensus node: %w", err)
	}

	compactorCfg := compactionConfig(cfg.Compaction)
	compactorCfg.Logger = logger
	compactorCfg.Metrics = collector
	compactor := compaction.New(st, compactorCfg)
	compactor.Start(ctx)
	defer compactor.Stop()

	httpCfg := apihttp.Config{
		Addr:      cfg.ListenAddr(),
		Node:      node,
		Compactor: compactor,
		Gatherer:  reg,
		Logger:    logger,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.Run(gctx) })

	server := apihttp.NewServer(httpCfg)
	if err := server.Start(); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	logger.Info("node started",
		"address", cfg.Node.Address,
		"listen", server.URL,
		"peers", cfg.Node.Peers,
		"codec", codec.Kind(),
		"dir", cfg.Storage.Dir)

	<-gctx.Done()
	logger.Info("shutting down")

	if err := server.Stop(); err != nil {
		logger.Error("failed to stop HTTP server", "error", err)
	}
	return g.Wait()
}

// compactionConfig keeps manual compaction available when background
// compaction is disabled; only the timer is turned off.
func compactionConfig(cfg config.CompactionConfig) compaction.Config {
	out := compaction.Config{
		Interval:            cfg.Interval,
		FlushThresholdBytes: cfg.FlushThresholdBytes,
	}
	if !cfg.Enabled {
		out.Interval = 0
	}
	return out
}
