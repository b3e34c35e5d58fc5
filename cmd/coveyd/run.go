package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coveynet/covey/pkg/cluster"
	"github.com/coveynet/covey/pkg/config"
	"github.com/coveynet/covey/pkg/connector"
	"github.com/coveynet/covey/pkg/discovery"
	"github.com/coveynet/covey/pkg/dtls"
	"github.com/coveynet/covey/pkg/log"
	"github.com/coveynet/covey/pkg/metrics"
	"github.com/coveynet/covey/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the connector daemon",
	Long: `Run the connector daemon with the given configuration file.

The daemon binds the client-facing and management sockets, starts the
management channel, and serves diagnostics over HTTP until interrupted.`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().StringP("config", "c", "covey.yaml", "Configuration file")
	runCmd.Flags().Bool("echo", false, "Echo decrypted client payloads back (diagnostics)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	echo, _ := cmd.Flags().GetBool("echo")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      cfg.Log.Level,
		JSONOutput: cfg.Log.JSON,
	})
	metrics.SetVersion(Version)

	conn, nodes, err := buildConnector(cfg)
	if err != nil {
		return err
	}

	if echo {
		endpoint := conn.Endpoint()
		endpoint.SetHandler(func(d connector.Datagram) {
			if err := endpoint.Send(d); err != nil {
				log.Logger.Debug().
					Str("component", "coveyd").
					Err(err).
					Msg("echo reply failed")
			}
		})
	}

	if err := conn.Start(); err != nil {
		metrics.RegisterComponent("cluster", false, err.Error())
		return fmt.Errorf("failed to start cluster connector: %w", err)
	}
	metrics.RegisterComponent("cluster", true, "")

	var disco *discovery.Discovery
	if cfg.Discovery.Enabled {
		disco, err = startDiscovery(cfg, conn, nodes)
		if err != nil {
			conn.Stop()
			return err
		}
		metrics.RegisterComponent("discovery", true, "")
	}

	collector := metrics.NewCollector(conn, nodes)
	collector.Start()

	httpSrv, httpErr := serveDiagnostics(cfg.Metrics.Listen)

	log.Logger.Info().
		Str("component", "coveyd").
		Str("version", Version).
		Uint32("node_id", cfg.Node.ID).
		Str("protocol", string(conn.ManagementProtocol())).
		Msg("coveyd running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Logger.Info().
			Str("component", "coveyd").
			Str("signal", sig.String()).
			Msg("shutting down")
	case err := <-httpErr:
		log.Logger.Error().
			Str("component", "coveyd").
			Err(err).
			Msg("diagnostics server failed, shutting down")
	}

	if disco != nil {
		if err := disco.Stop(); err != nil {
			log.Logger.Warn().
				Str("component", "coveyd").
				Err(err).
				Msg("discovery shutdown failed")
		}
	}
	collector.Stop()
	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctx)
	}
	conn.Stop()

	log.Logger.Info().
		Str("component", "coveyd").
		Msg("shutdown complete")
	return nil
}

// buildConnector assembles the cluster connector from the configuration:
// endpoint PSK store, static peer table, and the management channel
// credentials. Key material is zeroized as soon as the transport owns a
// copy.
func buildConnector(cfg *config.Config) (*cluster.Connector, *cluster.StaticNodes, error) {
	endpointKey, err := cfg.EndpointKey()
	if err != nil {
		return nil, nil, err
	}
	store, err := dtls.NewStaticPSK(cfg.Security.PSKIdentity, endpointKey)
	dtls.ZeroKey(endpointKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build endpoint psk store: %w", err)
	}

	clusterKey, err := cfg.ClusterKey()
	if err != nil {
		return nil, nil, err
	}
	protocol := types.ProtocolManagementUDP
	if cfg.Cluster.PSKIdentity != "" {
		protocol = types.ProtocolManagementDTLS
	}

	nodes := cluster.NewStaticNodes()
	for _, p := range cfg.Cluster.Peers {
		addr, err := net.ResolveUDPAddr("udp", p.Address)
		if err != nil {
			dtls.ZeroKey(clusterKey)
			return nil, nil, fmt.Errorf("failed to resolve peer %d address: %w", p.ID, err)
		}
		nodes.Upsert(types.Peer{
			ID:       types.NodeID(p.ID),
			Addr:     addr,
			Protocol: protocol,
		})
	}

	host := dtls.Config{
		BindAddr:       cfg.Listen.Client,
		PSK:            store,
		MTU:            cfg.Network.MTU,
		RecvBufferSize: cfg.Network.ReceiveBuffer,
		SendBufferSize: cfg.Network.SendBuffer,
		Stats:          metrics.NewTransportStats(metrics.TransportClient),
	}
	conn, err := cluster.New(host, cluster.Config{
		NodeID:         types.NodeID(cfg.Node.ID),
		BindAddr:       cfg.Listen.Management,
		Identity:       cfg.Cluster.PSKIdentity,
		Key:            clusterKey,
		Nodes:          nodes,
		Health:         metrics.ClusterHealth{},
		TransportStats: metrics.NewTransportStats(metrics.TransportManagement),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build cluster connector: %w", err)
	}
	return conn, nodes, nil
}

// startDiscovery joins the gossip cluster, advertising the management
// address peers should forward to.
func startDiscovery(cfg *config.Config, conn *cluster.Connector, nodes *cluster.StaticNodes) (*discovery.Discovery, error) {
	advertise := cfg.Discovery.Advertise
	if advertise == "" {
		mgmtAddr := conn.ManagementAddr()
		if mgmtAddr == nil {
			return nil, fmt.Errorf("management address unavailable for discovery")
		}
		advertise = mgmtAddr.String()
	}
	addr, err := net.ResolveUDPAddr("udp", advertise)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve advertise address: %w", err)
	}
	secret, err := cfg.GossipSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to decode gossip secret: %w", err)
	}

	disco, err := discovery.New(discovery.Config{
		NodeName: cfg.Discovery.NodeName,
		BindAddr: cfg.Discovery.Bind,
		Join:     cfg.Discovery.Join,
		Secret:   secret,
		Local: types.Peer{
			ID:       conn.NodeID(),
			Addr:     addr,
			Protocol: conn.ManagementProtocol(),
		},
	}, nodes)
	if err != nil {
		return nil, fmt.Errorf("failed to start discovery: %w", err)
	}
	return disco, nil
}

// serveDiagnostics exposes /metrics and the health endpoints. An empty
// listen address disables the server.
func serveDiagnostics(listen string) (*http.Server, chan error) {
	errCh := make(chan error, 1)
	if listen == "" {
		return nil, errCh
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Instrument("/metrics", metrics.Handler()))
	mux.Handle("/healthz", metrics.Instrument("/healthz", metrics.HealthHandler()))
	mux.Handle("/readyz", metrics.Instrument("/readyz", metrics.ReadyHandler()))
	mux.Handle("/livez", metrics.Instrument("/livez", metrics.LivenessHandler()))

	srv := &http.Server{
		Addr:    listen,
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	log.Logger.Info().
		Str("component", "coveyd").
		Str("listen", listen).
		Msg("diagnostics server started")
	return srv, errCh
}
