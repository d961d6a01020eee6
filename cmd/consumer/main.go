package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total rider presence messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	presenceUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_presence_updates_total",
		Help: "Total presence events applied to the registry",
	})
	presenceErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_presence_errors_total",
		Help: "Total presence events the registry rejected",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, presenceUpdates, presenceErrors)
}

func main() {
	var (
		metricsAddr string
		cfgPath     string
		group       string
	)
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.StringVar(&cfgPath, "config", "", "optional YAML configuration file")
	flag.StringVar(&group, "group", "ride-dispatch-presence", "kafka consumer group")
	flag.Parse()

	cfg, err := config.LoadServerConfig(cfgPath)
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("config_invalid", "err", err)
		os.Exit(1)
	}
	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	registry := presence.NewRedisRegistry(redisAddr, cfg.RedisPassword, cfg.RedisKeyPrefix)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := registry.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics_listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics_server_stopped", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: cfg.KafkaPresenceTopic, GroupID: group, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = registry.Close()
	}()

	logger.Info("consumer_listening", "topic", cfg.KafkaPresenceTopic, "brokers", brokers, "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("consumer_shutdown")
				return
			}
			logger.Warn("kafka_read_failed", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var ev models.PresenceEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.RiderID == "" {
			msgsInvalid.Inc()
			logger.Warn("presence_event_invalid", "offset", m.Offset, "err", err)
			continue
		}

		if err := applyWithRetry(ctx, registry, ev, 3, 200*time.Millisecond); err != nil {
			presenceErrors.Inc()
			logger.Error("presence_update_failed", "rider_id", ev.RiderID, "err", err)
			continue
		}
		presenceUpdates.Inc()
	}
}

// applyWithRetry replays ev with exponential backoff. Unknown riders and
// riders on a ride are not retried since another attempt cannot succeed.
func applyWithRetry(ctx context.Context, u presence.Updater, ev models.PresenceEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = presence.Apply(ctx, u, ev)
		if err == nil || errors.Is(err, presence.ErrUnknownRider) || errors.Is(err, presence.ErrRiderBusy) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
