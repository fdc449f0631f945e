// Command controlplane runs the virtual-employee platform control plane:
// the tenant-facing HTTP API and the Temporal worker hosting the task
// orchestration and delegation workflows.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/veplatform/controlplane/accessfabric"
	"github.com/veplatform/controlplane/api"
	"github.com/veplatform/controlplane/audit"
	"github.com/veplatform/controlplane/catalog"
	"github.com/veplatform/controlplane/config"
	"github.com/veplatform/controlplane/decision"
	"github.com/veplatform/controlplane/gateway"
	memmongo "github.com/veplatform/controlplane/memory/mongo"
	"github.com/veplatform/controlplane/orchestration"
	"github.com/veplatform/controlplane/publisher"
	taskmongo "github.com/veplatform/controlplane/taskstore/mongo"
	"github.com/veplatform/controlplane/team"
	"github.com/veplatform/controlplane/tenancy"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	log.Print(ctx, log.KV{K: "http-addr", V: cfg.HTTP.Addr},
		log.KV{K: "temporal", V: cfg.Temporal.HostPort},
		log.KV{K: "task-queue", V: cfg.Temporal.TaskQueue})

	// Durable stores.
	mongoClient, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		log.Fatalf(ctx, err, "connect mongodb")
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "mongodb disconnect"})
		}
	}()
	store, err := taskmongo.New(taskmongo.Options{Client: mongoClient, Database: cfg.Mongo.Database})
	if err != nil {
		log.Fatalf(ctx, err, "build task store")
	}
	auditLog, err := audit.New(audit.Options{Client: mongoClient, Database: cfg.Mongo.Database})
	if err != nil {
		log.Fatalf(ctx, err, "build audit log")
	}
	memStore, err := memmongo.New(memmongo.Options{Client: mongoClient, Database: cfg.Mongo.Database})
	if err != nil {
		log.Fatalf(ctx, err, "build memory store")
	}

	// Real-time publisher.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	defer rdb.Close()
	pulseClient, err := publisher.NewPulseClient(publisher.PulseOptions{Redis: rdb})
	if err != nil {
		log.Fatalf(ctx, err, "build pulse client")
	}
	pub, err := publisher.New(pulseClient)
	if err != nil {
		log.Fatalf(ctx, err, "build publisher")
	}

	// Kubernetes-backed catalog and access fabric.
	kubeCfg, err := kubeConfig()
	if err != nil {
		log.Fatalf(ctx, err, "load kubernetes config")
	}
	dyn, err := dynamic.NewForConfig(kubeCfg)
	if err != nil {
		log.Fatalf(ctx, err, "build dynamic client")
	}
	agentCatalog, err := catalog.New(catalog.Options{Client: dyn, Namespace: cfg.Kubernetes.AgentNamespace})
	if err != nil {
		log.Fatalf(ctx, err, "build agent catalog")
	}
	fabric, err := accessfabric.New(accessfabric.Options{
		Client:    dyn,
		Namespace: cfg.Kubernetes.GatewayNamespace,
		Audit:     auditLog,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build access fabric")
	}

	// Team discovery and gateway client.
	teamSvc, err := team.New(team.Options{Store: store, Catalog: agentCatalog})
	if err != nil {
		log.Fatalf(ctx, err, "build team service")
	}
	gw, err := gateway.New(gateway.Options{
		BaseURL:     cfg.Gateway.BaseURL,
		Timeout:     cfg.Gateway.Timeout,
		Detector:    tenancy.NewLeakageDetector(),
		TeamContext: teamSvc.TeamContext,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build gateway client")
	}

	// Decision path: a dedicated model when an API key is configured,
	// otherwise the owning agent decides through the gateway.
	var decider decision.Decider
	if cfg.Decision.APIKey != "" {
		decider, err = decision.NewModelDeciderFromAPIKey(cfg.Decision.APIKey, cfg.Decision.Model)
	} else {
		decider, err = decision.NewAgentDecider(gw)
	}
	if err != nil {
		log.Fatalf(ctx, err, "build decider")
	}
	router, err := decision.NewAgentRouter(gw)
	if err != nil {
		log.Fatalf(ctx, err, "build router")
	}
	planner, err := decision.NewAgentPlanner(gw)
	if err != nil {
		log.Fatalf(ctx, err, "build planner")
	}

	// Temporal worker.
	breaker := orchestration.NewCircuitBreaker(orchestration.BreakerOptions{
		MaxDepth:            cfg.Delegation.MaxDepth,
		MaxCustomerPerHour:  cfg.Delegation.MaxCustomerDelegationsHour,
		MaxAgentTypePerHour: cfg.Delegation.MaxAgentDelegationsHour,
	})
	activities, err := orchestration.NewActivities(orchestration.ActivitiesOptions{
		Store:     store,
		Publisher: pub,
		Invoker:   gw,
		Team:      teamSvc,
		Decider:   decider,
		Router:    router,
		Planner:   planner,
		Breaker:   breaker,
		Bootstrap: cfg.Delegation.BootstrapAgent,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build activities")
	}
	workflows := orchestration.NewWorkflows(orchestration.WorkflowsOptions{
		MaxDepth:              cfg.Delegation.MaxDepth,
		MaxEscalationAttempts: cfg.Delegation.MaxEscalationAttempts,
	})
	temporalClient, err := orchestration.NewTemporalClient(orchestration.ClientOptions{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		log.Fatalf(ctx, err, "dial temporal")
	}
	defer temporalClient.Close()
	wrk, err := orchestration.NewWorker(temporalClient, cfg.Temporal.TaskQueue, workflows, activities)
	if err != nil {
		log.Fatalf(ctx, err, "build worker")
	}
	taskRouter, err := orchestration.NewTaskRouter(orchestration.RouterOptions{
		Store:     store,
		Temporal:  temporalClient,
		TaskQueue: cfg.Temporal.TaskQueue,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build task router")
	}

	// HTTP API.
	svc, err := api.New(api.Options{
		Store:   store,
		Flow:    taskRouter,
		Invoker: gw,
		Fabric:  fabric,
		Catalog: agentCatalog,
		Memory:  memStore,
		Audit:   auditLog,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build api service")
	}
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- errors.New((<-c).String())
	}()
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "worker starting"}, log.KV{K: "task-queue", V: cfg.Temporal.TaskQueue})
		errc <- wrk.Run(nil)
	}()
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "http server starting"}, log.KV{K: "addr", V: cfg.HTTP.Addr})
		errc <- server.ListenAndServe()
	}()

	log.Print(ctx, log.KV{K: "msg", V: "exiting"}, log.KV{K: "reason", V: (<-errc).Error()})
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "http shutdown"})
	}
	wrk.Stop()
	log.Print(ctx, log.KV{K: "msg", V: "exited"})
}

// kubeConfig prefers the in-cluster configuration and falls back to the
// local kubeconfig for development.
func kubeConfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	path := os.Getenv("KUBECONFIG")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".kube", "config")
	}
	return clientcmd.BuildConfigFromFlags("", path)
}
