// Command runner is the entry point for the batch execution service: a
// thin cobra root wiring config load, the job execution engine, the HTTP
// delivery layer, and graceful shutdown, grounded on the teacher's
// cmd/main/main.go rootCmd + serveCmd pattern (cobra.OnInitialize,
// persistent --config flag, one subcommand per operator action).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/cloudshipai/runner/internal/agentrun"
	"github.com/cloudshipai/runner/internal/api"
	"github.com/cloudshipai/runner/internal/audit"
	"github.com/cloudshipai/runner/internal/config"
	"github.com/cloudshipai/runner/internal/db"
	"github.com/cloudshipai/runner/internal/impersonate"
	"github.com/cloudshipai/runner/internal/indexer"
	"github.com/cloudshipai/runner/internal/jobs"
	"github.com/cloudshipai/runner/internal/logging"
	"github.com/cloudshipai/runner/internal/registry"
	"github.com/cloudshipai/runner/internal/workspace"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "runner",
	Short: "Multi-tenant batch execution service for an external coding agent",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.config/runner/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(registerRepoCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler, janitor, and HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Initialize(cfg.Debug)

	imp, err := impersonate.New(cfg.ImpersonationMode, cfg.ElevationCommand)
	if err != nil {
		return fmt.Errorf("construct impersonator: %w", err)
	}

	cloner := workspace.NewCloner()
	wsManager := workspace.NewManager(cfg.WorkspaceRoot, cloner, impersonate.PathChowner{})

	creds := registry.NewGitCredentials(cfg.GitUpstreamToken, cfg.GitUpstreamTokenEnvVar)
	repos := registry.NewRegistry(cfg.RegistryRoot, creds)

	store := jobs.NewStore()

	gitRefresher := agentrun.NewGitRefresher(imp, cfg.AgentTimeout, cfg.AgentGracePeriod)
	idxController := indexer.NewController(imp, cfg.IndexerProgram, cfg.IndexerEmbeddingModel, cfg.IndexerTimeout, cfg.IndexerGracePeriod)
	agentRunner := agentrun.NewRunner(imp, cfg.AgentProgram, cfg.AgentTimeout, cfg.AgentGracePeriod)

	deferDestroy := cfg.TerminalRetention > 0
	executor := jobs.NewExecutor(store, repos, wsManager, gitRefresher, idxController, agentRunner, deferDestroy)

	scheduler := jobs.NewScheduler(store, repos, executor, cfg.MaxConcurrentJobs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler.Start(ctx)

	janitor := jobs.NewJanitor(store, scheduler, wsManager, cfg.DefaultJobTimeout, cfg.TerminalRetention)
	if err := janitor.Start(fmt.Sprintf("@every %s", cfg.JanitorInterval)); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}

	var auditRepo *audit.Repo
	database, err := db.New(cfg.AuditDBPath)
	if err != nil {
		logging.Error("audit database unavailable, continuing without an audit trail: %v", err)
	} else {
		if err := database.Migrate(); err != nil {
			return fmt.Errorf("migrate audit database: %w", err)
		}
		auditRepo = audit.NewRepo(database)
		defer database.Close()
	}

	authn := api.NewStaticAuthenticator(nil)
	handlers := api.NewHandlers(store, scheduler, wsManager, repos, auditRepo, authn, nil)

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	handlers.RegisterRoutes(router.Group("/v1"))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.APIPort),
		Handler: router,
	}

	go func() {
		logging.Info("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("http server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logging.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GracefulShutdown)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	janitor.Shutdown(cfg.GracefulShutdown)
	return nil
}

var registerRepoCmd = &cobra.Command{
	Use:   "register-repo <name> <upstream-or-path>",
	Short: "Register a repository with the service's registry, from an operator shell",
	Args:  cobra.ExactArgs(2),
	RunE:  runRegisterRepo,
}

func runRegisterRepo(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	creds := registry.NewGitCredentials(cfg.GitUpstreamToken, cfg.GitUpstreamTokenEnvVar)
	reg := registry.NewRegistry(cfg.RegistryRoot, creds)

	rec, err := reg.Register(args[0], args[1])
	if err != nil {
		return fmt.Errorf("register repository: %w", err)
	}
	fmt.Printf("registered %q: status=%s\n", rec.Name, rec.Status)

	if rec.Status == registry.StatusCloning {
		fmt.Println("cloning in the background; check status with the repository list endpoint")
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
