package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cleanapp/golib/health"
	"github.com/cleanapp/golib/interceptors"
	"github.com/cleanapp/golib/messaging"
	"github.com/cleanapp/golib/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type consumeFlags struct {
	queue     string
	keys      []string
	maxIdle   time.Duration
	dedupeTTL time.Duration
	noHTTP    bool
}

func newConsumeCmd(global *globalFlags) *cobra.Command {
	var flags consumeFlags

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume messages and print them as JSON lines",
		Long: `Bind the queue to the exchange for each --key and print every delivery
to stdout as one JSON object per line. Metrics are served on /metrics and
health on /healthz, /readyz and /livez. SIGINT or SIGTERM drains in-flight
messages before exiting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(global, os.LookupEnv)
			if err != nil {
				return err
			}
			if flags.queue != "" {
				cfg.Queue = flags.queue
			}
			keys := flags.keys
			if len(keys) == 0 && cfg.RoutingKey != "" {
				keys = []string{cfg.RoutingKey}
			}
			if len(keys) == 0 {
				return errors.New("no routing keys: pass --key or set RABBITMQ_ROUTING_KEY")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			consumerMetrics := metrics.NewConsumer(reg, "mq")

			opts := cfg.SubscriberOptions(logger, consumerMetrics)
			opts = append(opts, messaging.WithMiddleware(middleware(logger, flags)...))
			sub, err := messaging.NewSubscriber(ctx, cfg.URL, cfg.Exchange, cfg.Queue, opts...)
			if err != nil {
				return fmt.Errorf("failed to create subscriber: %w", err)
			}

			registry := health.NewRegistry()
			registry.SetMetadata("version", version)
			subChecker := health.NewSubscriberChecker(sub)
			subChecker.MaxIdle = flags.maxIdle
			registry.Register(subChecker)
			registry.Register(health.NewRetryTopologyChecker(sub))

			if !flags.noHTTP {
				srv := newHTTPServer(cfg.HTTP.Addr, reg, registry)
				go func() {
					logger.Info("serving observability endpoints", "addr", cfg.HTTP.Addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("http server failed", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			routes := messaging.NewRoutes()
			handler := printHandler(cmd.OutOrStdout())
			for _, k := range keys {
				routes.Add(k, handler)
			}
			return sub.Run(ctx, routes)
		},
	}

	cmd.Flags().StringVarP(&flags.queue, "queue", "q", "", "queue name (overrides RABBITMQ_QUEUE, empty for a server-named queue)")
	cmd.Flags().StringArrayVarP(&flags.keys, "key", "k", nil, "routing key to bind, repeatable")
	cmd.Flags().DurationVar(&flags.maxIdle, "max-idle", 0, "report degraded when no delivery arrived within this window")
	cmd.Flags().DurationVar(&flags.dedupeTTL, "dedupe-ttl", 0, "ack repeated message ids seen within this window without printing them")
	cmd.Flags().BoolVar(&flags.noHTTP, "no-http", false, "do not serve metrics and health endpoints")
	return cmd
}

func middleware(logger *slog.Logger, flags consumeFlags) []messaging.Middleware {
	mw := []messaging.Middleware{interceptors.Logging(logger)}
	if flags.dedupeTTL > 0 {
		mw = append(mw, interceptors.DuplicateDetection(interceptors.NewMemoryDetector(flags.dedupeTTL)))
	}
	return mw
}

func newHTTPServer(addr string, gatherer prometheus.Gatherer, registry *health.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health.NewHandler(registry, 5*time.Second))
	mux.Handle("/readyz", health.ReadinessHandler(registry, 5*time.Second))
	mux.Handle("/livez", health.LivenessHandler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// printedMessage is one line of consume output
type printedMessage struct {
	RoutingKey  string          `json:"routing_key"`
	MessageID   string          `json:"message_id,omitempty"`
	ContentType string          `json:"content_type,omitempty"`
	RetryCount  int             `json:"retry_count"`
	Redelivered bool            `json:"redelivered"`
	Timestamp   time.Time       `json:"timestamp"`
	Body        json.RawMessage `json:"body,omitempty"`
	RawBody     string          `json:"raw_body,omitempty"`
}

// printHandler writes each message to w. Concurrent workers share w, so
// writes are serialized. A failed write is transient and retried.
func printHandler(w io.Writer) messaging.CallbackFunc {
	var mu sync.Mutex
	enc := json.NewEncoder(w)

	return func(_ context.Context, msg *messaging.Message) error {
		line := printedMessage{
			RoutingKey:  msg.RoutingKey,
			MessageID:   msg.MessageID,
			ContentType: msg.ContentType,
			RetryCount:  msg.RetryCount,
			Redelivered: msg.Redelivered,
			Timestamp:   msg.Timestamp,
		}
		if json.Valid(msg.Body) {
			line.Body = msg.Body
		} else {
			line.RawBody = string(msg.Body)
		}

		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(line); err != nil {
			slog.Default().Warn("failed to print message", "message_id", msg.MessageID, "error", err)
			return err
		}
		return nil
	}
}
