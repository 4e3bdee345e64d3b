// Package config loads the service's runtime configuration, adapted from
// the teacher's viper-based internal/config package but trimmed to the
// environment keys spec §6 enumerates.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/cloudshipai/runner/internal/impersonate"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	MaxConcurrentJobs  int
	DefaultJobTimeout  time.Duration
	QueueWaitTimeout   time.Duration
	JanitorInterval    time.Duration
	TerminalRetention  time.Duration
	GracefulShutdown   time.Duration

	RegistryRoot   string
	WorkspaceRoot  string
	AuditDBPath    string

	ImpersonationMode impersonate.Mode
	ElevationCommand  []string

	OutputBufferMaxBytes int

	AgentProgram          string
	AgentTimeout          time.Duration
	AgentGracePeriod      time.Duration
	IndexerProgram        string
	IndexerEmbeddingModel string
	IndexerTimeout        time.Duration
	IndexerGracePeriod    time.Duration

	GitUpstreamToken       string
	GitUpstreamTokenEnvVar string

	APIPort int
	Debug   bool
}

// Load reads configuration from cfgFile (if non-empty), a discovered
// config.yaml, and the environment, applying the defaults spec §6
// documents. Environment variables are prefixed RUNNER_ (e.g.
// RUNNER_MAX_CONCURRENT_JOBS), following the teacher's STN_-prefix
// convention of binding explicit env var names over AutomaticEnv alone so
// the recognised set stays exactly the one enumerated in spec §6.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "runner"))
		}
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}
	// A missing config file is not fatal: every key has a default and can
	// be supplied purely through the environment.
	_ = v.ReadInConfig()

	setDefaults(v)
	bindEnv(v)

	cfg := &Config{
		MaxConcurrentJobs:      v.GetInt("max_concurrent_jobs"),
		DefaultJobTimeout:      v.GetDuration("default_job_timeout"),
		QueueWaitTimeout:       v.GetDuration("queue_wait_timeout"),
		JanitorInterval:        v.GetDuration("janitor_interval"),
		TerminalRetention:      v.GetDuration("terminal_retention"),
		GracefulShutdown:       v.GetDuration("graceful_shutdown_timeout"),
		RegistryRoot:           v.GetString("registry_root"),
		WorkspaceRoot:          v.GetString("workspace_root"),
		AuditDBPath:            v.GetString("audit_db_path"),
		ImpersonationMode:      impersonate.Mode(v.GetString("impersonation_mode")),
		ElevationCommand:       v.GetStringSlice("elevation_command"),
		OutputBufferMaxBytes:   v.GetInt("output_buffer_max_bytes"),
		AgentProgram:           v.GetString("agent_program"),
		AgentTimeout:           v.GetDuration("agent_timeout"),
		AgentGracePeriod:       v.GetDuration("agent_grace_period"),
		IndexerProgram:         v.GetString("indexer_program"),
		IndexerEmbeddingModel:  v.GetString("indexer_embedding_provider"),
		IndexerTimeout:         v.GetDuration("indexer_timeout"),
		IndexerGracePeriod:     v.GetDuration("indexer_grace_period"),
		GitUpstreamToken:       v.GetString("git_upstream_token"),
		GitUpstreamTokenEnvVar: v.GetString("git_upstream_token_env_var"),
		APIPort:                v.GetInt("api_port"),
		Debug:                  v.GetBool("debug"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_concurrent_jobs", 5)
	v.SetDefault("default_job_timeout", 24*time.Hour)
	v.SetDefault("queue_wait_timeout", time.Hour)
	v.SetDefault("janitor_interval", time.Minute)
	v.SetDefault("terminal_retention", time.Duration(0))
	v.SetDefault("graceful_shutdown_timeout", 30*time.Second)
	v.SetDefault("registry_root", "/var/lib/runner/registry")
	v.SetDefault("workspace_root", "/var/lib/runner/workspaces")
	v.SetDefault("audit_db_path", "/var/lib/runner/audit.db")
	v.SetDefault("impersonation_mode", string(impersonate.ModeSuperuserSwitch))
	v.SetDefault("elevation_command", []string{"sudo", "-n", "-u"})
	v.SetDefault("output_buffer_max_bytes", 2<<20)
	v.SetDefault("agent_program", "agent")
	v.SetDefault("agent_timeout", time.Hour)
	v.SetDefault("agent_grace_period", 10*time.Second)
	v.SetDefault("indexer_program", "indexer")
	v.SetDefault("indexer_embedding_provider", "local")
	v.SetDefault("indexer_timeout", 5*time.Minute)
	v.SetDefault("indexer_grace_period", 5*time.Second)
	v.SetDefault("api_port", 8080)
	v.SetDefault("debug", false)
}

func bindEnv(v *viper.Viper) {
	v.BindEnv("max_concurrent_jobs", "RUNNER_MAX_CONCURRENT_JOBS")
	v.BindEnv("default_job_timeout", "RUNNER_DEFAULT_JOB_TIMEOUT")
	v.BindEnv("queue_wait_timeout", "RUNNER_QUEUE_WAIT_TIMEOUT")
	v.BindEnv("janitor_interval", "RUNNER_JANITOR_INTERVAL")
	v.BindEnv("terminal_retention", "RUNNER_TERMINAL_RETENTION")
	v.BindEnv("graceful_shutdown_timeout", "RUNNER_GRACEFUL_SHUTDOWN_TIMEOUT")
	v.BindEnv("registry_root", "RUNNER_REGISTRY_ROOT")
	v.BindEnv("workspace_root", "RUNNER_WORKSPACE_ROOT")
	v.BindEnv("audit_db_path", "RUNNER_AUDIT_DB_PATH")
	v.BindEnv("impersonation_mode", "RUNNER_IMPERSONATION_MODE")
	v.BindEnv("elevation_command", "RUNNER_ELEVATION_COMMAND")
	v.BindEnv("output_buffer_max_bytes", "RUNNER_OUTPUT_BUFFER_MAX_BYTES")
	v.BindEnv("agent_program", "RUNNER_AGENT_PROGRAM")
	v.BindEnv("indexer_program", "RUNNER_INDEXER_PROGRAM")
	v.BindEnv("indexer_embedding_provider", "RUNNER_INDEXER_EMBEDDING_PROVIDER")
	v.BindEnv("git_upstream_token", "RUNNER_GIT_UPSTREAM_TOKEN")
	v.BindEnv("git_upstream_token_env_var", "RUNNER_GIT_UPSTREAM_TOKEN_ENV_VAR")
	v.BindEnv("api_port", "RUNNER_API_PORT")
	v.BindEnv("debug", "RUNNER_DEBUG")
}

func (c *Config) validate() error {
	switch c.ImpersonationMode {
	case impersonate.ModeSuperuserSwitch, impersonate.ModeElevationRule:
	default:
		return fmt.Errorf("config: invalid impersonation_mode %q", c.ImpersonationMode)
	}
	if c.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("config: max_concurrent_jobs must be positive")
	}
	if c.RegistryRoot == "" || c.WorkspaceRoot == "" {
		return fmt.Errorf("config: registry_root and workspace_root are required")
	}
	return nil
}
