package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/samber/ro"
	"github.com/spf13/cobra"

	"github.com/kilnworks/kiln"
	"github.com/kilnworks/kiln/events"
	"github.com/kilnworks/kiln/internal/logutil"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Build the demo component graph and tear it down",
	Long: `Build the configured root component through kiln. The indexer and
searcher reference each other, so the build exercises early-reference
cycle resolution; teardown disposes everything dependents-first.`,
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// Demo components. The indexer and searcher hold references to each other,
// which is the construction cycle the registry resolves.

type Store struct {
	path string
}

func (s *Store) Close() error {
	return nil
}

type Indexer struct {
	Store  *Store
	Search *Searcher
}

type Searcher struct {
	Index *Indexer
}

type Server struct {
	Search *Searcher
	ready  bool
}

// Init implements kiln.Initializer.
func (s *Server) Init() error {
	if s.Search == nil {
		return fmt.Errorf("server initialized without a searcher")
	}
	s.ready = true

	return nil
}

// traceHook logs every component that finishes initialization.
type traceHook struct {
	log zerolog.Logger
}

func (h *traceHook) Name() string { return "trace" }

func (h *traceHook) AfterInit(bc *kiln.BuildContext, key string, instance any) (any, error) {
	h.log.Debug().
		Str("component", key).
		Str("build_id", bc.ID()).
		Type("type", instance).
		Msg("component initialized")

	return instance, nil
}

func demoSource(cfg *demoConfig) kiln.DescriptorMap {
	return kiln.DescriptorMap{
		"store": {
			Supplier: func(*kiln.BuildContext) (any, error) {
				return &Store{path: cfg.Run.StorePath}, nil
			},
		},
		"indexer": {
			Constructor: func() (any, error) { return &Indexer{}, nil },
			Dependencies: []kiln.Dependency{
				{Slot: "Store", Key: "store"},
				{Slot: "Search", Key: "searcher"},
			},
		},
		"searcher": {
			Constructor: func() (any, error) { return &Searcher{}, nil },
			Dependencies: []kiln.Dependency{
				{Slot: "Index", Key: "indexer"},
			},
		},
		"server": {
			Constructor: func() (any, error) { return &Server{}, nil },
			Dependencies: []kiln.Dependency{
				{Slot: "Search", Key: "searcher"},
			},
			DependsOn: []string{"store"},
		},
	}
}

func runDemo(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return err
	}

	logger, err := logutil.New(cfg.Logging)
	if err != nil {
		return err
	}

	feed := events.NewFeed(0)
	opts := append(cfg.registryOptions(), kiln.WithLogger(&logger), kiln.WithEventFeed(feed))

	registry, err := kiln.New(opts...)
	if err != nil {
		return err
	}

	// Stream lifecycle events into the log until the feed closes.
	sub, cancel := feed.Subscribe()
	defer cancel()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		sub.Subscribe(ro.OnNext(func(e events.Event) {
			logger.Info().
				Str("event", e.Kind.String()).
				Str("component", e.Key).
				Msg("lifecycle")
		}))
	}()

	builderOpts := []kiln.BuilderOption{kiln.WithHooks(&traceHook{log: logger})}
	if cfg.Run.DisableCycles {
		builderOpts = append(builderOpts, kiln.WithoutCycleResolution())
	}
	builder := kiln.NewBuilder(registry, demoSource(cfg), builderOpts...)

	logger.Info().Str("root", cfg.Run.Root).Msg("building component graph")

	instance, err := builder.Build(cfg.Run.Root)
	if err != nil {
		logger.Error().Err(err).Msg("build failed")
		return err
	}

	logger.Info().
		Type("type", instance).
		Strs("registered", registry.Keys()).
		Msg("build finished")

	if indexer, err := kiln.InstanceAs[*Indexer](registry, "indexer"); err == nil {
		logger.Info().
			Bool("cycle_closed", indexer.Search != nil && indexer.Search.Index == indexer).
			Msg("indexer and searcher reference each other")
	}

	if cfg.Run.Snapshot {
		snap, err := registry.SnapshotJSON()
		if err != nil {
			return err
		}
		fmt.Println(string(snap))
	}

	report := registry.DisposeAll()
	if report.Err() != nil {
		logger.Warn().Err(report.Err()).Msg("disposal finished with failures")
	}
	logger.Info().Strs("disposed", report.Disposed).Msg("teardown complete")

	feed.Close()
	<-drained

	if n := feed.Dropped(); n > 0 {
		logger.Warn().Uint64("dropped_events", n).Msg("event subscriber fell behind")
	}

	return nil
}
