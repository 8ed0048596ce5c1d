// Command memnexusd wires the triple-tier retrieval-augmented memory
// engine's components into a running QueryAPI: config load, backend
// construction (vector index, knowledge graph, event log, KV store,
// Bayesian network), tier/pipeline wiring, and lifecycle scheduler start.
//
// This binary exposes no transport of its own (HTTP/stdio adapters are
// out of scope); it demonstrates the wiring an embedding host would do to
// drive api.QueryAPI directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nexuscore/memnexus/internal/config"
	"github.com/nexuscore/memnexus/internal/nexusmem/api"
	"github.com/nexuscore/memnexus/internal/nexusmem/bayesnet"
	"github.com/nexuscore/memnexus/internal/nexusmem/consolidate"
	"github.com/nexuscore/memnexus/internal/nexusmem/embedder"
	"github.com/nexuscore/memnexus/internal/nexusmem/entities"
	"github.com/nexuscore/memnexus/internal/nexusmem/eventlog"
	"github.com/nexuscore/memnexus/internal/nexusmem/graph"
	"github.com/nexuscore/memnexus/internal/nexusmem/graphquery"
	"github.com/nexuscore/memnexus/internal/nexusmem/kvstore"
	"github.com/nexuscore/memnexus/internal/nexusmem/lifecycle"
	"github.com/nexuscore/memnexus/internal/nexusmem/memorystore"
	"github.com/nexuscore/memnexus/internal/nexusmem/nexus"
	"github.com/nexuscore/memnexus/internal/nexusmem/probengine"
	"github.com/nexuscore/memnexus/internal/nexusmem/tags"
	"github.com/nexuscore/memnexus/internal/nexusmem/tiers"
	"github.com/nexuscore/memnexus/internal/nexusmem/vectorindex"
	"github.com/nexuscore/memnexus/internal/obs"
)

func main() {
	configPath := flag.String("config", "memnexus.yaml", "path to the YAML configuration file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, error")
	flag.Parse()

	logger := obs.NewZerologLogger(*logLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config load failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		logger.Error("create data dir failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	queryAPI, scheduler, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	_ = queryAPI

	scheduler.Start(ctx)
	logger.Info("memnexusd started", map[string]any{
		"data_dir":   cfg.Storage.DataDir,
		"collection": cfg.Storage.VectorDB.CollectionName,
	})

	<-ctx.Done()
	logger.Info("shutting down", nil)
	scheduler.Stop()
}

// build constructs every backend and returns the assembled QueryAPI plus
// its lifecycle scheduler, ready to Start.
func build(ctx context.Context, cfg config.Config, logger obs.Logger) (*api.QueryAPI, *lifecycle.Scheduler, error) {
	idx := vectorindex.NewMemory()
	if err := idx.CreateOrOpen(ctx, cfg.Storage.VectorDB.CollectionName, cfg.Storage.VectorDB.Dimensions); err != nil {
		return nil, nil, fmt.Errorf("vector index: %w", err)
	}

	emb := embedder.NewDeterministic(cfg.Storage.VectorDB.Dimensions, true)

	kv, err := kvstore.Open(cfg.Storage.DataDir + "/kvstore.db")
	if err != nil {
		return nil, nil, fmt.Errorf("kv store: %w", err)
	}

	evLog, err := eventlog.Open(cfg.Storage.DataDir + "/events.db")
	if err != nil {
		return nil, nil, fmt.Errorf("event log: %w", err)
	}

	g := graph.New(nil)
	if err := g.Load(cfg.Storage.DataDir + "/graph.json"); err != nil {
		logger.Info("starting with an empty knowledge graph", map[string]any{"reason": err.Error()})
	}

	gq := graphquery.New(g)
	extractor := entities.RegexExtractor{}

	vectorTier := tiers.NewVectorTier(emb, idx, cfg.Storage.VectorDB.CollectionName, 50)
	graphTier := tiers.NewGraphTier(extractor, g, gq, true, 50)

	bnBuilder := bayesnet.NewBuilder(g, 0, 0, 0)
	network, err := bnBuilder.Build()
	var probEng *probengine.Engine
	if err != nil {
		logger.Info("starting without a Bayesian network", map[string]any{"reason": err.Error()})
	} else {
		probEng = probengine.New(network)
	}
	bayesianTier := tiers.NewBayesianTier(extractor, g, probEng, 0)

	detector := nexus.NewDetector()
	processor := nexus.New(vectorTier, graphTier, bayesianTier, nil, detector)

	consolidator := consolidate.New(g, 0)

	policy := tags.AutoFill
	if cfg.Tagging.Strict {
		policy = tags.Strict
	}

	lifecycleMgr := lifecycle.NewManager(idx, cfg.Storage.VectorDB.CollectionName, kv)
	lifecycleMgr.DemoteThresholdDays = cfg.Lifecycle.DemoteThresholdDays
	lifecycleMgr.ArchiveThresholdDays = cfg.Lifecycle.ArchiveThresholdDays
	lifecycleMgr.RehydrateThresholdDays = cfg.Lifecycle.RehydrateThresholdDays

	store := memorystore.New(memorystore.Options{
		Embedder: emb, Index: idx, Collection: cfg.Storage.VectorDB.CollectionName,
		Extractor: extractor, Graph: g, Events: evLog, Lifecycle: lifecycleMgr,
		TagPolicy: policy, DefaultProject: cfg.Project,
	})

	queryAPI := api.New(api.Options{
		VectorTier: vectorTier, Processor: processor, Store: store, Detector: detector,
		Graph: g, GraphQuery: gq, Extractor: extractor, Prob: probEng, Lifecycle: lifecycleMgr,
		Embedder: emb, KV: kv, Consolidator: consolidator, Events: evLog,
	})

	scheduler := &lifecycle.Scheduler{
		Manager:      lifecycleMgr,
		Consolidator: consolidator,
		Events:       evLog,
		OnError: func(step string, err error) {
			logger.Error("lifecycle sweep failed", map[string]any{"step": step, "error": err.Error()})
		},
	}

	return queryAPI, scheduler, nil
}
