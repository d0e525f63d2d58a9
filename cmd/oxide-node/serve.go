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

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yayoboy/oxide-mesh/internal/adapter"
	adaptercli "github.com/yayoboy/oxide-mesh/internal/adapter/cli"
	adapterollama "github.com/yayoboy/oxide-mesh/internal/adapter/ollama"
	adapteropenai "github.com/yayoboy/oxide-mesh/internal/adapter/openai"
	"github.com/yayoboy/oxide-mesh/internal/cluster"
	"github.com/yayoboy/oxide-mesh/internal/config"
	"github.com/yayoboy/oxide-mesh/internal/cost"
	"github.com/yayoboy/oxide-mesh/internal/memory"
	"github.com/yayoboy/oxide-mesh/internal/orchestrator"
	"github.com/yayoboy/oxide-mesh/internal/pathvalidator"
	"github.com/yayoboy/oxide-mesh/internal/procreg"
	"github.com/yayoboy/oxide-mesh/internal/router"
	"github.com/yayoboy/oxide-mesh/internal/service"
	"github.com/yayoboy/oxide-mesh/internal/shared"
	"github.com/yayoboy/oxide-mesh/internal/store"
	"github.com/yayoboy/oxide-mesh/internal/taskstore"
	"github.com/yayoboy/oxide-mesh/internal/wsevents"
)

func newServeCmd() *cobra.Command {
	var httpAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run this node's HTTP API, cluster discovery, and dashboard feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging()
			return runServe(cmd.Context(), httpAddr)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (default: :<agent_port> from config)")
	return cmd
}

type node struct {
	cfg    *config.Config
	db     *store.DB
	tasks  *taskstore.Store
	costs  *cost.Tracker
	mem    *memory.Memory
	paths  *pathvalidator.Validator
	procs  *procreg.Registry
	svcMgr *service.Manager
	orch   *orchestrator.Orchestrator
	clust  *cluster.Coordinator
	hub    *wsevents.Hub

	nodeID string
}

func runServe(ctx context.Context, httpAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Warn().Err(err).Str("path", configPath).Msg("serve: config file not found, using defaults")
		cfg = config.Default()
	}
	if err := cfg.ValidateRoutingRules(); err != nil {
		return err
	}
	if cfg.NodeID == "" {
		hostname, _ := os.Hostname()
		cfg.NodeID = hostname + "-" + uuid.NewString()[:8]
	}

	db, err := store.Open(defaultDBPath())
	if err != nil {
		return err
	}
	defer db.Close()

	allowedDirs := cfg.AllowedDirs
	if len(allowedDirs) == 0 {
		allowedDirs = pathvalidator.DefaultAllowedDirs()
	}

	n := &node{
		cfg:    cfg,
		db:     db,
		tasks:  taskstore.New(db),
		mem:    memory.New(db),
		paths:  pathvalidator.New(allowedDirs),
		procs:  procreg.New(),
		svcMgr: service.New(nil),
		hub:    wsevents.NewHub(),
		nodeID: cfg.NodeID,
	}

	n.costs, err = cost.New(db)
	if err != nil {
		return err
	}

	n.svcMgr = service.New(n.procs)

	checker := &healthChecker{mgr: n.svcMgr, services: cfg.Services}
	r := router.New(cfg.Services, cfg.RoutingRules, checker, time.Duration(cfg.Execution.TimeoutSeconds)*time.Second)

	n.orch = &orchestrator.Orchestrator{
		Router:       r,
		Resolve:      n.resolveAdapter,
		Tasks:        n.tasks,
		Costs:        n.costs,
		Memory:       n.mem,
		Paths:        n.paths,
		Services:     n.svcMgr,
		MaxParallel:  cfg.Execution.MaxParallelWorkers,
		RetryEnabled: cfg.Execution.RetryEnabled,
		MaxRetries:   cfg.Execution.MaxRetries,
	}

	n.clust, err = cluster.New(db, cfg.ClusterPort, time.Duration(cfg.DiscoveryInterval)*time.Second, n.localPeerNode)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go n.hub.Run(runCtx.Done())
	go n.clust.RunBroadcastLoop(runCtx)
	go n.clust.MonitorHealth(runCtx)
	go func() {
		if err := n.clust.Listen(runCtx); err != nil {
			log.Error().Err(err).Msg("serve: cluster listener exited")
		}
	}()

	addr := httpAddr
	if addr == "" {
		addr = ":" + strconv.Itoa(cfg.AgentPort)
	}
	srv := &http.Server{Addr: addr, Handler: n.routes()}

	go func() {
		log.Info().Str("addr", addr).Str("node_id", n.nodeID).Msg("serve: HTTP API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("serve: HTTP server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info().Msg("serve: shutdown signal received")
	case <-ctx.Done():
	}

	cancel()
	n.procs.CleanupAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func (n *node) resolveAdapter(serviceID string) (adapter.Adapter, *shared.ServiceDescriptor, bool) {
	svc, ok := n.cfg.Services[serviceID]
	if !ok || !svc.Enabled {
		return nil, nil, false
	}
	switch svc.Kind {
	case shared.ServiceKindOllama:
		return adapterollama.New(svc.BaseURL), svc, true
	case shared.ServiceKindOpenAI:
		return adapteropenai.New(svc.BaseURL, svc.APIKey), svc, true
	case shared.ServiceKindCLI:
		return adaptercli.New(svc.Executable, nil, n.procs), svc, true
	default:
		return nil, nil, false
	}
}

func (n *node) localPeerNode() shared.PeerNode {
	services := make(map[string]shared.ServiceSummary, len(n.cfg.Services))
	for id, svc := range n.cfg.Services {
		if !svc.Enabled {
			continue
		}
		services[id] = shared.ServiceSummary{Type: svc.Kind, BaseURL: svc.BaseURL}
	}
	hostname, _ := os.Hostname()
	return shared.PeerNode{
		NodeID:   n.nodeID,
		Hostname: hostname,
		IP:       outboundIP(),
		Port:     n.cfg.AgentPort,
		Services: services,
		Healthy:  true,
		Enabled:  true,
		Version:  "oxide-mesh/1",
		Features: []string{"tasks", "broadcast", "cluster"},
	}
}

// healthChecker adapts the service manager's health probe to the
// router.AvailabilityChecker interface.
type healthChecker struct {
	mgr      *service.Manager
	services map[string]*shared.ServiceDescriptor
}

func (h *healthChecker) Available(serviceID string) bool {
	svc, ok := h.services[serviceID]
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return h.mgr.EnsureHealthy(ctx, svc, nil).Healthy
}

func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

func (n *node) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tasks/execute", n.handleExecute)
	mux.HandleFunc("/api/status", n.handleStatus)
	mux.HandleFunc("/healthz", n.handleHealthz)
	mux.HandleFunc("/ws", n.hub.ServeWS)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
