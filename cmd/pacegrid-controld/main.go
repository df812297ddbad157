package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pacegrid/pacegrid/pkg/cib"
	"github.com/pacegrid/pacegrid/pkg/controller"
	"github.com/pacegrid/pacegrid/pkg/exitcode"
	"github.com/pacegrid/pacegrid/pkg/log"
	"github.com/pacegrid/pacegrid/pkg/messaging"
	"github.com/pacegrid/pacegrid/pkg/metrics"
	"github.com/pacegrid/pacegrid/pkg/scheduler"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagConfig    string
	flagVerbosity int
	flagSanity    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitcode.Usage)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pacegrid-controld",
	Short: "Pacegrid cluster controller daemon",
	Long: `pacegrid-controld is the per-node cluster controller: it takes part
in DC election, runs the policy engine on the elected node, and drives
transition graphs to completion across the cluster.

All cluster state lives in the CIB; the daemon owns no other on-disk
state.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		os.Exit(run())
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"pacegrid-controld version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "/etc/pacegrid/controld.yaml", "daemon options file")
	rootCmd.Flags().CountVarP(&flagVerbosity, "verbose", "V", "increase verbosity (repeatable)")
	rootCmd.Flags().BoolVarP(&flagSanity, "sanity", "s", false, "run a sanity check and exit")
}

func run() int {
	cfg, err := loadConfig(flagConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitcode.Config
	}
	applyEnv(&cfg)

	level := log.Level(cfg.Log.Level)
	if flagVerbosity >= 1 {
		level = log.DebugLevel
	}
	logOut := os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: open logfile: %v\n", err)
			return exitcode.IOErr
		}
		defer f.Close()
		logOut = f
	}
	log.Init(log.Config{Level: level, JSONOutput: cfg.Log.JSON, Output: logOut})
	logger := log.WithComponent("main")

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.New().String()
		logger.Warn().Str("node_id", cfg.NodeID).Msg("no node-id configured, generated one")
	}
	if cfg.NodeName == "" {
		host, err := os.Hostname()
		if err != nil {
			return exitcode.OSErr
		}
		cfg.NodeName = host
	}

	if flagSanity {
		return sanityCheck(cfg)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error().Err(err).Msg("data directory")
		return exitcode.IOErr
	}
	store, err := cib.NewBoltStore(cfg.DataDir)
	if err != nil {
		logger.Error().Err(err).Msg("cib store")
		return exitcode.IOErr
	}
	defer store.Close()

	if err := store.Bootstrap(bootstrapDocument(cfg)); err != nil {
		logger.Error().Err(err).Msg("cib bootstrap")
		return exitcode.IOErr
	}

	transport, err := messaging.NewGRPCTransport(cfg.NodeID, cfg.BindAddr, cfg.Peers)
	if err != nil {
		logger.Error().Err(err).Msg("messaging transport")
		return exitcode.Unavailable
	}
	defer transport.Close()

	metrics.Register()
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Warn().Err(err).Msg("metrics endpoint")
			}
		}()
	}

	ctrl := controller.New(controller.Config{
		NodeUUID:        cfg.NodeID,
		NodeName:        cfg.NodeName,
		ElectionTimeout: cfg.ElectionTimeout,
		JoinTimeout:     cfg.JoinTimeout,
		TickInterval:    cfg.TickInterval,
	}, store, transport, nil)

	for peer := range cfg.Peers {
		ctrl.NodeJoined(peer)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutdown requested")
		ctrl.Shutdown()
	}()

	logger.Info().
		Str("node", cfg.NodeName).
		Str("uuid", cfg.NodeID).
		Str("bind", cfg.BindAddr).
		Msg("controller starting")
	return ctrl.Run()
}

// sanityCheck loads the stored CIB, ingests it and runs one policy
// engine pass without dispatching anything.
func sanityCheck(cfg fileConfig) int {
	logger := log.WithComponent("sanity")

	store, err := cib.NewBoltStore(cfg.DataDir)
	if err != nil {
		logger.Error().Err(err).Msg("cib store")
		return exitcode.IOErr
	}
	defer store.Close()

	if err := store.Bootstrap(bootstrapDocument(cfg)); err != nil {
		logger.Error().Err(err).Msg("cib bootstrap")
		return exitcode.IOErr
	}
	doc, err := store.Load()
	if err != nil {
		logger.Error().Err(err).Msg("cib load")
		return exitcode.NoInput
	}
	ws, err := cib.BuildDocument(doc, nil, time.Now())
	if err != nil {
		logger.Error().Err(err).Msg("snapshot ingest")
		return exitcode.DataErr
	}
	g, err := scheduler.Schedule(ws, 0)
	if err != nil {
		logger.Error().Err(err).Msg("policy engine")
		return exitcode.Software
	}
	logger.Info().
		Int("nodes", len(ws.Nodes)).
		Int("resources", len(ws.Resources)).
		Int("synapses", len(g.Synapses)).
		Msg("sanity check passed")
	return exitcode.OK
}

// bootstrapDocument seeds an empty store with this node configured and
// nothing else.
func bootstrapDocument(cfg fileConfig) *cib.Document {
	return &cib.Document{
		Epoch: 1,
		Configuration: cib.Configuration{
			Nodes: cib.NodesEl{
				Nodes: []cib.NodeEl{{ID: cfg.NodeID, Uname: cfg.NodeName}},
			},
		},
		Status: cib.Status{
			NodeStates: []cib.NodeState{{
				ID:    cfg.NodeID,
				Uname: cfg.NodeName,
				InCCM: "true",
				CRMD:  "online",
			}},
		},
	}
}
