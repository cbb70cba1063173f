package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/OllieNilsen/pexi/pkg/addrguard"
	"github.com/OllieNilsen/pexi/pkg/audit"
	"github.com/OllieNilsen/pexi/pkg/config"
	"github.com/OllieNilsen/pexi/pkg/fetch"
	"github.com/OllieNilsen/pexi/pkg/handler"
	"github.com/OllieNilsen/pexi/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the connection-handling loop",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// --policy-file stands in for PEP_POLICY_FILE, so the file is layered
	// under the env overrides at startup and re-read on every SIGHUP.
	if policyFile != "" {
		os.Setenv("PEP_POLICY_FILE", policyFile)
	}
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	logger := log.New(os.Stderr, "[PEPD] ", log.LstdFlags|log.Lmicroseconds)
	logger.Printf("policy loaded: fingerprint=%s hosts=%d", cfg.Doc.Fingerprint(), len(cfg.Doc.AllowedHosts))

	sink, err := audit.Open(cfg.AuditLog, log.New(os.Stderr, "[AUDIT] ", log.LstdFlags))
	if err != nil {
		return err
	}
	defer sink.Close()

	guard := addrguard.New(cfg.ConnectTimeout)
	fetcher := fetch.New(guard, fetch.Config{
		ConnectTimeout: cfg.ConnectTimeout,
		RequestTimeout: cfg.RequestTimeout,
	})

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	h := handler.New(cfg.Doc, fetcher, sink, m, cfg.MaxInFlight, log.New(os.Stderr, "[HANDLER] ", log.LstdFlags|log.Lmicroseconds))

	ln, err := listen(cfg.Listen)
	if err != nil {
		return err
	}
	defer ln.Close()
	logger.Printf("listening on %s", cfg.Listen)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.HandlerFor(reg))
		logger.Printf("metrics available at http://%s/metrics", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Printf("metrics server error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	serveErr := make(chan error, 1)
	go func() { serveErr <- h.Serve(ctx, ln) }()

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				reloaded, err := config.FromEnv()
				if err != nil {
					logger.Printf("reload failed, keeping active policy: %v", err)
					continue
				}
				h.Reload(reloaded.Doc)
				continue
			}
			logger.Printf("shutting down on signal %v", sig)
			cancel()
			return <-serveErr
		case err := <-serveErr:
			return err
		}
	}
}

// listen opens addr as a Unix domain socket if it looks like a filesystem
// path, or a TCP listener otherwise (spec.md §6.1 transport is
// implementation-chosen; the original's vsock/TCP duality, SPEC_FULL.md §C).
func listen(addr string) (net.Listener, error) {
	if strings.HasPrefix(addr, "/") || strings.HasPrefix(addr, "./") {
		os.Remove(addr)
		return net.Listen("unix", addr)
	}
	return net.Listen("tcp", addr)
}

