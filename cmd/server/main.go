package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ryandielhenn/zephyrpace/discovery"
	"github.com/ryandielhenn/zephyrpace/internal/config"
	"github.com/ryandielhenn/zephyrpace/internal/logger"
	"github.com/ryandielhenn/zephyrpace/internal/rpc"
	"github.com/ryandielhenn/zephyrpace/internal/telemetry"
	"github.com/ryandielhenn/zephyrpace/pkg/admission"
	"github.com/ryandielhenn/zephyrpace/pkg/gossip"
	"github.com/ryandielhenn/zephyrpace/pkg/node"
)

// Set with -ldflags "-X main.version=... -X main.gitSHA=...".
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	if err := newRootCmd(config.New()).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:          "zephyrpace",
		Short:        "Gossip-paced admission node",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "optional YAML config file")
	f.String("listen", ":8080", "HTTP listen address")
	f.String("grpc-listen", ":9090", "gRPC listen address, empty to disable")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.String("discover-dns", "", "rendezvous peer name or address")
	f.Int("discover-port", 8080, "rendezvous peer HTTP port")
	f.Int("discover-grpc-port", 9090, "rendezvous peer gRPC port, used with --transport=grpc")
	f.Int("discover-interval-ms", 5000, "gossip interval in milliseconds")
	f.String("transport", config.TransportHTTP, "gossip transport (http, grpc)")
	f.StringSlice("etcd", nil, "etcd endpoints; enables registry-based peer selection")
	f.Int("rate", 5, "pool-wide target requests per base window")
	f.Int("queue-size", 5, "admission queue capacity")
	bindFlags(v, cmd, map[string]string{
		"node.listen_addr":        "listen",
		"grpc.listen_addr":        "grpc-listen",
		"node.log_level":          "log-level",
		"discover.dns":            "discover-dns",
		"discover.port":           "discover-port",
		"discover.grpc_port":      "discover-grpc-port",
		"discover.interval_ms":    "discover-interval-ms",
		"discover.transport":      "transport",
		"discover.etcd_endpoints": "etcd",
		"rate.target":             "rate",
		"rate.queue_size":         "queue-size",
	})
	return cmd
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			panic(err)
		}
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.Node.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	telemetry.SetBuildInfo(version, gitSHA)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Process identity
	id := gossip.NewNodeID()
	log = log.With(zap.String("node", string(id)))
	log.Info("booting", zap.String("version", version), zap.String("listen", cfg.Node.ListenAddr))

	// 2. Gossip transport
	var transport gossip.Transport
	switch cfg.Discover.Transport {
	case config.TransportGRPC:
		c := rpc.NewClient()
		defer c.Close()
		transport = c
	default:
		transport = gossip.NewHTTPTransport(nil)
	}

	// 3. Rendezvous peer: etcd registry when configured, else the static name
	var peers gossip.PeerSource = gossip.StaticPeer(node.RendezvousAddr(cfg.Discover.DNS, cfg.PeerPort()))
	if len(cfg.Discover.EtcdEndpoints) > 0 {
		resolver, cleanup, err := registerWithEtcd(ctx, cfg, id, log)
		if err != nil {
			return err
		}
		defer cleanup()
		peers = resolver
	}

	// 4. Gossiper and admission queue
	g, err := gossip.New(gossip.Config{
		Self:         id,
		Interval:     cfg.GossipInterval(),
		RoundTimeout: cfg.RoundTimeout(),
		EvictAfter:   cfg.EvictAfter(),
		Peers:        peers,
		Transport:    transport,
		Accelerate:   cfg.Discover.Accelerate,
		Logger:       log,
		OnRound:      telemetry.ObserveGossipRound,
	})
	if err != nil {
		return err
	}

	q, err := admission.New[node.LogicRequest, node.LogicResponse](admission.Config{
		TargetRate: cfg.Rate.Target,
		QueueSize:  cfg.Rate.QueueSize,
		BaseWindow: cfg.BaseWindow(),
		Instances:  g,
		Logger:     log,
		Observer:   telemetry.AdmissionObserver{},
	}, node.EchoProcessor{Work: cfg.WorkDuration()})
	if err != nil {
		return err
	}
	telemetry.RegisterNodeGauges(g.LiveCount, g.Table().Len, q.Len)

	// 5. HTTP endpoints
	n := node.New(g, q, cfg.Node.ListenAddr, log)
	mux := http.NewServeMux()
	n.Routes(mux)
	httpSrv := &http.Server{
		Addr:              cfg.Node.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 6. gRPC responder
	var (
		grpcSrv *grpc.Server
		grpcLis net.Listener
	)
	if cfg.GRPC.ListenAddr != "" {
		grpcLis, err = net.Listen("tcp", cfg.GRPC.ListenAddr)
		if err != nil {
			return errors.Wrapf(err, "listen grpc %s", cfg.GRPC.ListenAddr)
		}
		grpcSrv = rpc.NewServer()
		rpc.Register(grpcSrv, g)
	}

	// 7. Run everything until a signal or the first failure
	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		log.Info("http listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})

	if grpcSrv != nil {
		grp.Go(func() error {
			log.Info("grpc listening", zap.String("addr", grpcLis.Addr().String()))
			if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return errors.Wrap(err, "grpc server")
			}
			return nil
		})
	}

	grp.Go(func() error {
		if err := g.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return g.Stop()
	})

	grp.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		q.Close()
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return grp.Wait()
}

// registerWithEtcd publishes this node and returns a registry-backed peer
// source plus a cleanup that revokes the registration.
func registerWithEtcd(ctx context.Context, cfg *config.Config, id gossip.NodeID, log *zap.Logger) (gossip.PeerSource, func(), error) {
	cli, err := discovery.NewClient(cfg.Discover.EtcdEndpoints)
	if err != nil {
		return nil, nil, err
	}

	advertise := cfg.Discover.AdvertiseAddr
	if advertise == "" {
		host, err := os.Hostname()
		if err != nil {
			cli.Close()
			return nil, nil, errors.Wrap(err, "resolve advertise address")
		}
		advertise = node.NormalizeHostPort(host, strconv.Itoa(cfg.PeerPort()))
	}

	// the lease outlives a few missed gossip rounds
	ttl := int64(3 * cfg.GossipInterval() / time.Second)
	if ttl < 10 {
		ttl = 10
	}
	leaseID, stopKeepAlive, err := discovery.RegisterNode(ctx, cli, id, advertise, ttl, log)
	if err != nil {
		cli.Close()
		return nil, nil, err
	}
	log.Info("registered with etcd", zap.String("advertise", advertise), zap.Int64("ttl", ttl))

	cleanup := func() {
		stopKeepAlive()
		revokeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := cli.Revoke(revokeCtx, leaseID); err != nil {
			log.Warn("revoke etcd lease", zap.Error(err))
		}
		cli.Close()
	}
	return discovery.NewResolver(cli, id, strconv.Itoa(cfg.PeerPort())), cleanup, nil
}
