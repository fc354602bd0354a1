package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/llmctl/llmctl/internal/config"
	"github.com/llmctl/llmctl/internal/events"
	"github.com/llmctl/llmctl/internal/executor/dispatch"
	"github.com/llmctl/llmctl/internal/flowchart/engine"
	"github.com/llmctl/llmctl/internal/flowchart/migrate"
	"github.com/llmctl/llmctl/internal/flowchart/model"
	"github.com/llmctl/llmctl/internal/flowchart/validate"
	"github.com/llmctl/llmctl/internal/memory"
	"github.com/llmctl/llmctl/internal/rag"
	"github.com/llmctl/llmctl/internal/server"
	"github.com/llmctl/llmctl/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "run":
		runFlowchart(os.Args[2:])
	case "validate":
		validateFlowchart(os.Args[2:])
	case "migrate":
		migrateFlowchart(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  llmctl serve [--config <llmctl.yaml>]")
	fmt.Fprintln(os.Stderr, "  llmctl run --flowchart <file.json> [--config <llmctl.yaml>]")
	fmt.Fprintln(os.Stderr, "  llmctl validate --flowchart <file.json>")
	fmt.Fprintln(os.Stderr, "  llmctl migrate --flowchart <file.json> [--write]")
}

func serve(args []string) {
	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	cfg, log := loadConfig(configPath)
	defer log.Sync()

	ctx := context.Background()
	st := openStore(ctx, cfg, log)
	bus := events.NewBus()
	rec := events.NewRecorder(st, bus, log)
	retriever := ragService(cfg, st, log)
	eng := buildEngine(cfg, st, rec, retriever, log)

	srv := server.New(server.Config{Addr: cfg.Server.Addr}, st, eng, bus, retriever, log)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal("server", zap.Error(err))
	}
}

func runFlowchart(args []string) {
	var flowchartPath, configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--flowchart":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--flowchart requires a value")
				os.Exit(1)
			}
			flowchartPath = args[i]
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if flowchartPath == "" {
		usage()
		os.Exit(1)
	}

	cfg, log := loadConfig(configPath)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fc := loadFlowchartFile(flowchartPath)
	st := openStore(ctx, cfg, log)
	a, err := migrate.Apply(ctx, st, fc)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// Apply persists only when the transform changed the graph; a graph that
	// was already normalized still has to land in the store.
	if !a.Changed {
		if err := st.SaveFlowchart(ctx, a.Post); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	bus := events.NewBus()
	rec := events.NewRecorder(st, bus, log)
	eng := buildEngine(cfg, st, rec, ragService(cfg, st, log), log)

	run, err := eng.Run(ctx, fc.ID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	nodeRuns, _ := st.ListNodeRuns(ctx, run.ID)
	out := map[string]any{
		"run_id":    run.ID,
		"status":    run.Status,
		"node_runs": len(nodeRuns),
	}
	if run.Error != "" {
		out["error"] = run.Error
	}
	json.NewEncoder(os.Stdout).Encode(out)
	if run.Status != store.RunCompleted {
		os.Exit(1)
	}
}

func validateFlowchart(args []string) {
	path := singleFlowchartArg(args, nil)
	fc := loadFlowchartFile(path)
	diags := validate.Validate(fc)
	json.NewEncoder(os.Stdout).Encode(map[string]any{
		"flowchart_id": fc.ID,
		"diagnostics":  diags,
	})
	for _, d := range diags {
		if d.Severity == validate.SeverityError {
			os.Exit(1)
		}
	}
}

func migrateFlowchart(args []string) {
	var write bool
	path := singleFlowchartArg(args, map[string]*bool{"--write": &write})
	fc := loadFlowchartFile(path)
	a, err := migrate.Analyze(fc)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	json.NewEncoder(os.Stdout).Encode(a)
	if a.Gate == migrate.GateBlocked {
		os.Exit(1)
	}
	if write && a.Changed {
		b, err := json.MarshalIndent(a.Post, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}

// singleFlowchartArg parses a --flowchart value plus optional boolean flags.
func singleFlowchartArg(args []string, boolFlags map[string]*bool) string {
	var path string
	for i := 0; i < len(args); i++ {
		if b, ok := boolFlags[args[i]]; ok {
			*b = true
			continue
		}
		switch args[i] {
		case "--flowchart":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--flowchart requires a value")
				os.Exit(1)
			}
			path = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if path == "" {
		usage()
		os.Exit(1)
	}
	return path
}

func loadConfig(path string) (*config.File, *zap.Logger) {
	var cfg *config.File
	var err error
	if path == "" {
		cfg = config.Default()
	} else if cfg, err = config.Load(path); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return cfg, log
}

func loadFlowchartFile(path string) *model.Flowchart {
	b, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	var fc model.Flowchart
	if err := json.Unmarshal(b, &fc); err != nil {
		fmt.Fprintf(os.Stderr, "parse flowchart: %v\n", err)
		os.Exit(1)
	}
	return &fc
}

func openStore(ctx context.Context, cfg *config.File, log *zap.Logger) store.Store {
	if cfg.Database.URL == "" {
		return store.NewMemory()
	}
	pg, err := store.OpenPostgres(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal("open postgres", zap.Error(err))
	}
	if err := pg.Migrate(ctx); err != nil {
		log.Fatal("migrate schema", zap.Error(err))
	}
	return pg
}

func ragService(cfg *config.File, st store.Store, log *zap.Logger) *rag.Service {
	var backend rag.VectorBackend
	if cfg.RAG.Host != "" && cfg.RAG.Port != 0 {
		backend = rag.NewChromaBackend(fmt.Sprintf("http://%s:%d", cfg.RAG.Host, cfg.RAG.Port), nil)
	}
	return rag.NewService(rag.Config{
		Provider: cfg.RAG.Provider,
		Host:     cfg.RAG.Host,
		Port:     cfg.RAG.Port,
	}, backend, st, nil, log)
}

func buildEngine(cfg *config.File, st store.Store, rec *events.Recorder, retriever *rag.Service, log *zap.Logger) *engine.Engine {
	var jobs engine.JobDispatcher
	if client, err := kubernetesClient(); err != nil {
		log.Warn("kubernetes unavailable, task dispatch disabled", zap.Error(err))
	} else {
		jobs = dispatch.NewKubernetes(dispatch.Config{
			Namespace:                 cfg.Executor.Namespace,
			Image:                     cfg.Executor.Image,
			WorkspaceIdentity:         cfg.Executor.WorkspaceIdentity,
			DispatchTimeoutSeconds:    cfg.Executor.DispatchTimeoutSeconds,
			CancelGraceTimeoutSeconds: cfg.Executor.CancelGraceTimeoutSeconds,
		}, client, log)
	}
	return engine.New(st, rec, jobs, retriever, memory.NewService(st, nil, log), engine.Config{
		Workers:                  cfg.Engine.Workers,
		DefaultModelID:           cfg.Engine.DefaultModelID,
		EnabledProviders:         cfg.Engine.EnabledProviders,
		MCPServerKeys:            cfg.Engine.MCPServerKeys,
		DefaultTimeoutSeconds:    cfg.Engine.DefaultTimeoutSeconds,
		DefaultCaptureLimitBytes: cfg.Engine.DefaultCaptureLimitBytes,
		CancelGraceSeconds:       cfg.Executor.CancelGraceTimeoutSeconds,
		WorkspaceRoot:            cfg.Engine.WorkspaceRoot,
		CustomInstructionFile:    cfg.Engine.CustomInstructionFile,
	}, log)
}

// kubernetesClient prefers in-cluster credentials and falls back to the
// local kubeconfig.
func kubernetesClient() (kubernetes.Interface, error) {
	if restCfg, err := rest.InClusterConfig(); err == nil {
		return kubernetes.NewForConfig(restCfg)
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	restCfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(restCfg)
}
