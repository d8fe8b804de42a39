// Command icapd runs the ICAP content-adaptation server: an accept
// loop dispatching REQMOD/RESPMOD/OPTIONS transactions through a
// registry of content-filter and antivirus modules.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tokenshield/icapd/internal/audit"
	"github.com/tokenshield/icapd/internal/config"
	"github.com/tokenshield/icapd/internal/conn"
	"github.com/tokenshield/icapd/internal/listener"
	"github.com/tokenshield/icapd/internal/logging"
	"github.com/tokenshield/icapd/internal/metrics"
	"github.com/tokenshield/icapd/internal/module"
	"github.com/tokenshield/icapd/internal/module/antivirus"
	"github.com/tokenshield/icapd/internal/module/contentfilter"
	"github.com/tokenshield/icapd/internal/pipeline"
	"github.com/tokenshield/icapd/internal/ratelimit"
	"github.com/tokenshield/icapd/internal/registry"
)

// Exit codes follow the sysexits.h convention the teacher's other CLI
// entry points implicitly assume: 0 success, 64 usage error, 70
// internal/software error.
const (
	exitOK       = 0
	exitUsage    = 64
	exitSoftware = 70
)

var (
	cfgFile    string
	metricsBindAddr string
	logLevel   string
)

func main() {
	log := logging.Default()

	root := &cobra.Command{
		Use:   "icapd",
		Short: "icapd is an ICAP/1.0 content-adaptation server",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./icapd.yaml or /etc/icapd/icapd.yaml)")
	root.PersistentFlags().StringVar(&metricsBindAddr, "metrics-addr", ":9344", "address to serve /metrics on")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(startCmd(log))
	root.AddCommand(statusCmd(log))
	root.AddCommand(reloadCmd(log))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if _, ok := err.(usageError); ok {
			os.Exit(exitUsage)
		}
		os.Exit(exitSoftware)
	}
}

// usageError marks an error whose cause is bad CLI input, mapped to
// exit code 64 rather than 70.
type usageError struct{ error }

func startCmd(log *logging.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "start the ICAP server in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.SetLevel(logging.ParseLevel(logLevel))
			return run(log)
		},
	}
}

func statusCmd(log *logging.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "report whether a local icapd is reachable on its metrics port",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get("http://127.0.0.1" + metricsBindAddr + "/metrics")
			if err != nil {
				return usageError{fmt.Errorf("icapd not reachable: %w", err)}
			}
			defer resp.Body.Close()
			fmt.Printf("icapd reachable, metrics endpoint returned %s\n", resp.Status)
			return nil
		},
	}
}

func reloadCmd(log *logging.Logger) *cobra.Command {
	var pid int
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "send SIGHUP to a running icapd to reload its configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pid == 0 {
				return usageError{fmt.Errorf("--pid is required")}
			}
			proc, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("finding process %d: %w", pid, err)
			}
			return proc.Signal(syscall.SIGHUP)
		},
	}
	cmd.Flags().IntVar(&pid, "pid", 0, "PID of the running icapd process")
	return cmd
}

// run wires the full server together and blocks until a termination
// signal triggers a graceful drain (§4.7).
func run(log *logging.Logger) error {
	loader := config.NewLoader(log, cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	reg := registry.New()

	m := metrics.New(prometheus.DefaultRegisterer)
	var auditSink *audit.Sink
	if cfg.AuditHTTPEndpoint != "" {
		auditSink, err = audit.NewHTTPSink(log, audit.HTTPSinkConfig{
			Endpoint:         cfg.AuditHTTPEndpoint,
			SharedSecret:     cfg.AuditSharedSecret,
			SharedSecretHash: cfg.AuditSharedSecretHash,
		}, cfg.AuditCapacity)
		if err != nil {
			return fmt.Errorf("starting audit HTTP sink: %w", err)
		}
	} else {
		auditSink = audit.NewSink(log, os.Stdout, cfg.AuditCapacity)
	}
	defer auditSink.Close()

	rebuild := func(cfg *config.Config) {
		services, err := buildServices(log, cfg, m)
		if err != nil {
			log.Errorf("failed to build services from config, keeping previous registry: %v", err)
			return
		}
		reg.Reload(services)
		log.Infof("registry reloaded, istag=%s", reg.ISTag())
	}
	rebuild(cfg)
	loader.Watch(rebuild)

	pl := pipeline.New(cfg.TxnTimeout)
	limiter := ratelimit.New(cfg.RatePerSecond, cfg.RateBurst, 10*time.Minute)

	handler := &conn.Handler{
		Registry:       reg,
		Pipeline:       pl,
		Log:            log,
		Metrics:        m,
		Audit:          auditSink,
		IdleTimeout:    cfg.IdleTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		DefaultPreview: 1024,
	}

	lst := &listener.Listener{
		Addr:                    cfg.ListenAddr,
		MaxConnections:          cfg.MaxConnections,
		MaxConnectionsPerClient: cfg.MaxConnectionsPerClient,
		Handler:                 handler,
		Log:                     log,
		Metrics:                 m,
		RateLimiter:             limiter,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: metricsBindAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server failed: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	runErr := make(chan error, 1)
	go func() { runErr <- lst.Run(ctx) }()

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if cfg2, err := loader.Load(); err == nil {
					rebuild(cfg2)
				} else {
					log.Errorf("SIGHUP reload failed: %v", err)
				}
				continue
			}
			log.Infof("received %s, draining connections", sig)
			cancel()
			lst.Shutdown(30 * time.Second)
			metricsServer.Close()
			return nil
		case err := <-runErr:
			return err
		}
	}
}

// buildServices constructs and initializes the module pipeline for
// each configured service (§4.4), registering every module with m so
// its Invocations/Errors/Blocks/Modifies counters are scraped (§4.8).
func buildServices(log *logging.Logger, cfg *config.Config, m *metrics.Metrics) ([]*registry.Service, error) {
	byName := map[string]module.Module{}

	cf := contentfilter.New(log)
	if err := cf.Init(cfg.ContentFilter); err != nil {
		return nil, fmt.Errorf("initializing content_filter: %w", err)
	}
	byName["content_filter"] = cf
	m.RegisterModule(cf)

	if cfg.Antivirus.RulesPath != "" {
		avCfg := cfg.Antivirus
		avCfg.Metrics = m
		av := antivirus.New(log)
		if err := av.Init(avCfg); err != nil {
			return nil, fmt.Errorf("initializing antivirus: %w", err)
		}
		byName["antivirus"] = av
		m.RegisterModule(av)
	}

	var services []*registry.Service
	for _, sc := range cfg.Services {
		svc := &registry.Service{
			Name:       sc.Name,
			Preview:    sc.Preview,
			OptionsTTL: sc.OptionsTTL,
			MaxConns:   sc.MaxConns,
		}
		for _, name := range sc.Modules {
			mod, ok := byName[name]
			if !ok {
				log.Warnf("service %q references unknown module %q, skipping", sc.Name, name)
				continue
			}
			svc.Modules = append(svc.Modules, mod)
		}
		if len(svc.Modules) == 0 {
			continue
		}
		services = append(services, svc)
	}
	return services, nil
}
