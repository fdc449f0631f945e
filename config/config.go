// Package config loads control-plane configuration from an optional YAML file
// with environment variable overrides. Every option has a default so a zero
// config is runnable against local infrastructure.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config holds every recognized option. Unknown YAML keys are ignored.
	Config struct {
		// HTTP is the tenant-facing API listen address.
		HTTP HTTPConfig `yaml:"http"`
		// Temporal locates the workflow engine.
		Temporal TemporalConfig `yaml:"temporal"`
		// Mongo locates the durable store.
		Mongo MongoConfig `yaml:"mongo"`
		// Redis backs the real-time publisher streams.
		Redis RedisConfig `yaml:"redis"`
		// Gateway configures the shared agent gateway client.
		Gateway GatewayConfig `yaml:"gateway"`
		// Kubernetes names the namespaces holding routes and agent definitions.
		Kubernetes KubernetesConfig `yaml:"kubernetes"`
		// Decision configures the delegation decision model.
		Decision DecisionConfig `yaml:"decision"`
		// Delegation bounds recursion and delegation rates.
		Delegation DelegationConfig `yaml:"delegation"`
	}

	// HTTPConfig configures the API server.
	HTTPConfig struct {
		Addr string `yaml:"addr"`
	}

	// TemporalConfig configures the Temporal client and worker.
	TemporalConfig struct {
		HostPort  string `yaml:"host_port"`
		Namespace string `yaml:"namespace"`
		TaskQueue string `yaml:"task_queue"`
	}

	// MongoConfig configures the MongoDB connection.
	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// RedisConfig configures the Redis connection used by Pulse streams.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	}

	// GatewayConfig configures the agent gateway invocation client.
	GatewayConfig struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	}

	// KubernetesConfig names the namespaces the access fabric and catalog
	// operate in.
	KubernetesConfig struct {
		GatewayNamespace string `yaml:"gateway_namespace"`
		AgentNamespace   string `yaml:"agent_namespace"`
	}

	// DecisionConfig configures the structured decision model client.
	DecisionConfig struct {
		Model  string `yaml:"model"`
		APIKey string `yaml:"api_key"`
	}

	// DelegationConfig bounds the delegation engine.
	DelegationConfig struct {
		MaxDepth                   int `yaml:"max_depth"`
		MaxEscalationAttempts      int `yaml:"max_escalation_attempts"`
		MaxCustomerDelegationsHour int `yaml:"max_customer_delegations_per_hour"`
		MaxAgentDelegationsHour    int `yaml:"max_agent_delegations_per_hour"`
		// BootstrapAgent is the agent type routing falls back to when no
		// hired agent matches. Empty defers to the routing heuristic.
		BootstrapAgent string `yaml:"bootstrap_agent"`
	}
)

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		HTTP:     HTTPConfig{Addr: ":8000"},
		Temporal: TemporalConfig{HostPort: "localhost:7233", Namespace: "default", TaskQueue: "ve-platform-tasks"},
		Mongo:    MongoConfig{URI: "mongodb://localhost:27017", Database: "veplatform"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Gateway:  GatewayConfig{BaseURL: "http://agentgateway.gateway-system.svc.cluster.local:8080", Timeout: 60 * time.Second},
		Kubernetes: KubernetesConfig{
			GatewayNamespace: "gateway-system",
			AgentNamespace:   "agents",
		},
		Decision: DecisionConfig{Model: "gpt-4o-mini"},
		Delegation: DelegationConfig{
			MaxDepth:                   5,
			MaxEscalationAttempts:      3,
			MaxCustomerDelegationsHour: 100,
			MaxAgentDelegationsHour:    50,
		},
	}
}

// Load reads the YAML file at path (when non-empty) over the defaults and then
// applies environment overrides. A missing file is an error; an empty path is
// not.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr(&c.HTTP.Addr, "HTTP_ADDR")
	setStr(&c.Temporal.HostPort, "TEMPORAL_HOST")
	setStr(&c.Temporal.Namespace, "TEMPORAL_NAMESPACE")
	setStr(&c.Temporal.TaskQueue, "TEMPORAL_TASK_QUEUE")
	setStr(&c.Mongo.URI, "MONGO_URI")
	setStr(&c.Mongo.Database, "MONGO_DATABASE")
	setStr(&c.Redis.Addr, "REDIS_ADDR")
	setStr(&c.Redis.Password, "REDIS_PASSWORD")
	setStr(&c.Gateway.BaseURL, "AGENT_GATEWAY_URL")
	setStr(&c.Kubernetes.GatewayNamespace, "GATEWAY_NAMESPACE")
	setStr(&c.Kubernetes.AgentNamespace, "AGENT_NAMESPACE")
	setStr(&c.Decision.Model, "DECISION_MODEL")
	setStr(&c.Decision.APIKey, "OPENAI_API_KEY")
	setInt(&c.Delegation.MaxDepth, "MAX_DELEGATION_DEPTH")
	setInt(&c.Delegation.MaxEscalationAttempts, "MAX_ESCALATION_ATTEMPTS")
	setInt(&c.Delegation.MaxCustomerDelegationsHour, "MAX_CUSTOMER_DELEGATIONS_PER_HOUR")
	setInt(&c.Delegation.MaxAgentDelegationsHour, "MAX_AGENT_DELEGATIONS_PER_HOUR")
	setStr(&c.Delegation.BootstrapAgent, "BOOTSTRAP_AGENT")
	if v := os.Getenv("AGENT_GATEWAY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Gateway.Timeout = d
		}
	}
}

func (c *Config) validate() error {
	if c.Delegation.MaxDepth < 1 {
		return fmt.Errorf("max delegation depth must be positive, got %d", c.Delegation.MaxDepth)
	}
	if c.Delegation.MaxEscalationAttempts < 1 {
		return fmt.Errorf("max escalation attempts must be positive, got %d", c.Delegation.MaxEscalationAttempts)
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("gateway timeout must be positive, got %s", c.Gateway.Timeout)
	}
	return nil
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
