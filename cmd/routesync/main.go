package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xiaonanln/routesync/config"
	"github.com/xiaonanln/routesync/model"
	"github.com/xiaonanln/routesync/routesyncapi"
)

func main() {
	// Parse command line flags
	var (
		configFile  = flag.String("config", "", "Path to YAML configuration file (ROUTESYNC_* variables override it)")
		metricsAddr = flag.String("metrics", "", "HTTP address for Prometheus metrics (optional, e.g., ':9090')")
		route       = flag.String("route", "", "Route once and exit, as 'source:destination'")
		disconnect  = flag.String("disconnect", "", "Disconnect the given destination once and exit")
		strategy    = flag.String("strategy", "none", "Conflict strategy: none, cancel-destination or unallocate-both")
		waitFor     = flag.Duration("wait", 30*time.Second, "How long a one-shot command waits for the session")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	conflict, err := model.ParseConflictStrategy(*strategy)
	if err != nil {
		log.Fatalf("Invalid --strategy: %v", err)
	}
	if *route != "" && *disconnect != "" {
		log.Fatal("--route and --disconnect are mutually exclusive")
	}

	connected := make(chan struct{})
	var connectedOnce sync.Once
	rt := routesyncapi.NewRuntime(routesyncapi.Callbacks{
		OnConnected: func() {
			connectedOnce.Do(func() { close(connected) })
		},
		OnStatus: func(status routesyncapi.Status, message string) {
			if message != "" {
				log.Printf("Status: %s (%s)", status, message)
			} else {
				log.Printf("Status: %s", status)
			}
		},
		OnEndpointsChanged: func() {
			log.Printf("Endpoints changed")
		},
		OnConnectionsChanged: func() {
			log.Printf("Connections changed")
		},
	})

	metricsServer := startMetricsServer(cfg.Metrics.Addr)

	if err := rt.Start(cfg); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	// Create context for the process lifecycle
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	if *route != "" || *disconnect != "" {
		exitCode = runOnce(ctx, rt, connected, *waitFor, *route, *disconnect, conflict)
	} else {
		watchDone := make(chan struct{})
		go func() {
			defer close(watchDone)
			if *configFile != "" {
				watchConfig(ctx, rt, *configFile)
			}
		}()
		<-ctx.Done()
		log.Printf("Received signal, shutting down...")
		<-watchDone
	}

	cancel()
	rt.Stop()
	stopMetricsServer(metricsServer)
	log.Println("routesync stopped")
	os.Exit(exitCode)
}

// runOnce waits for the session and executes a single command.
func runOnce(ctx context.Context, rt *routesyncapi.Runtime, connected <-chan struct{}, wait time.Duration,
	route, disconnect string, strategy model.ConflictStrategy) int {
	select {
	case <-connected:
	case <-time.After(wait):
		log.Printf("Session not connected within %v", wait)
		return 1
	case <-ctx.Done():
		return 1
	}

	var err error
	if route != "" {
		source, destination, ok := strings.Cut(route, ":")
		if !ok || source == "" || destination == "" {
			log.Printf("Invalid --route %q: expected source:destination", route)
			return 2
		}
		err = rt.ExecuteRoute(ctx, source, destination, strategy)
		if err == nil {
			fmt.Printf("routed %s -> %s\n", source, destination)
		}
	} else {
		err = rt.ExecuteDisconnect(ctx, disconnect, strategy)
		if err == nil {
			fmt.Printf("disconnected %s\n", disconnect)
		}
	}
	if err != nil {
		log.Printf("Command failed: %v", err)
		return 1
	}
	return 0
}

// watchConfig restarts the session whenever the configuration file changes.
// An invalid file leaves the current session running. The metrics address is
// only read at startup.
func watchConfig(ctx context.Context, rt *routesyncapi.Runtime, path string) {
	err := config.Watch(ctx, path, func(cfg *config.Config, err error) {
		if err != nil {
			log.Printf("Ignoring configuration change: %v", err)
			return
		}
		log.Printf("Configuration changed, restarting session")
		if err := rt.Start(cfg); err != nil {
			log.Printf("Failed to restart: %v", err)
		}
	})
	if err != nil {
		log.Printf("Configuration watch disabled: %v", err)
	}
}

func startMetricsServer(addr string) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		log.Printf("Metrics listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
	}()
	return srv
}

func stopMetricsServer(srv *http.Server) {
	if srv == nil {
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Metrics server shutdown error: %v", err)
	}
}
