// Command mahavishnu runs the orchestration kernel: it wires the worker and
// pool managers, the router, the aggregator, and the message bus behind the
// tool surface, then serves tool invocations over HTTP until signalled.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"github.com/mahavishnu-ai/mahavishnu/runtime/aggregator"
	"github.com/mahavishnu-ai/mahavishnu/runtime/bus"
	"github.com/mahavishnu-ai/mahavishnu/runtime/bus/buslog"
	"github.com/mahavishnu-ai/mahavishnu/runtime/bus/buslog/memlog"
	"github.com/mahavishnu-ai/mahavishnu/runtime/bus/buslog/mongolog"
	"github.com/mahavishnu-ai/mahavishnu/runtime/bus/buslog/redislog"
	"github.com/mahavishnu-ai/mahavishnu/runtime/config"
	"github.com/mahavishnu-ai/mahavishnu/runtime/guard"
	"github.com/mahavishnu-ai/mahavishnu/runtime/memory"
	"github.com/mahavishnu-ai/mahavishnu/runtime/memory/inmem"
	"github.com/mahavishnu-ai/mahavishnu/runtime/memory/redismem"
	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
	"github.com/mahavishnu-ai/mahavishnu/runtime/pool"
	"github.com/mahavishnu-ai/mahavishnu/runtime/router"
	"github.com/mahavishnu-ai/mahavishnu/runtime/stream"
	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
	"github.com/mahavishnu-ai/mahavishnu/runtime/telemetry"
	"github.com/mahavishnu-ai/mahavishnu/runtime/toolapi"
	"github.com/mahavishnu-ai/mahavishnu/runtime/worker"
)

// setFlags collects repeated -set key=value overrides.
type setFlags []string

func (s *setFlags) String() string { return strings.Join(*s, ",") }

func (s *setFlags) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to the YAML configuration file")
		listen     = flag.String("listen", "", "tool surface listen address (overrides config)")
		overrides  setFlags
	)
	flag.Var(&overrides, "set", "dotted-path config override, e.g. -set router.strategy=least-loaded (repeatable)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return orcerrors.ExitCode(err)
	}
	for _, kv := range overrides {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			err := orcerrors.Newf(orcerrors.KindConfig, "malformed -set %q, want key=value", kv)
			fmt.Fprintln(os.Stderr, err)
			return orcerrors.ExitCode(err)
		}
		if err := cfg.Apply(key, value); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return orcerrors.ExitCode(err)
		}
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	ctx := logContext(cfg.Log)
	if err := serve(ctx, cfg); err != nil {
		log.Error(ctx, err)
		return orcerrors.ExitCode(err)
	}
	return 0
}

// logContext builds the root context carrying the Clue logger configuration.
func logContext(lc config.LogConfig) context.Context {
	opts := []log.LogOption{log.WithFormat(format(lc.Format))}
	if lc.Level == "debug" {
		opts = append(opts, log.WithDebug())
	}
	return log.Context(context.Background(), opts...)
}

func format(name string) log.FormatFunc {
	if name == "json" {
		return log.FormatJSON
	}
	return log.FormatText
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.close(ctx)

	b, err := bus.New(bus.Options{
		Log:      backend.buslog,
		Registry: bus.NewStaticRegistry(cfg.Bus.Repos...),
		Secrets:  bus.StaticSecrets(cfg.Bus.Secrets),
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}

	breakers := guard.NewBreakerSet(breakerConfig(cfg.Circuit["default"]), breakerOverrides(cfg.Circuit))
	workers := worker.NewManager(
		worker.WithLauncher(&worker.SubprocessLauncher{}),
		worker.WithLauncher(&worker.ContainerLauncher{
			Runtime: &worker.DockerCLIRuntime{},
			Breaker: breakers.Get("container"),
		}),
		worker.WithLauncher(&worker.DelegateLauncher{
			Transport: worker.NewHTTPTransport(nil),
			Breaker:   breakers.Get("delegate"),
		}),
		worker.WithLauncher(&worker.MonitorLauncher{Capturer: worker.NewTmuxCapturer("")}),
		worker.WithLogger(logger),
		worker.WithMetrics(metrics),
	)
	pools := pool.NewManager(workers,
		pool.WithManagerLogger(logger),
		pool.WithManagerMetrics(metrics),
	)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := pools.CloseAll(shutdownCtx); err != nil {
			log.Error(shutdownCtx, err)
		}
		if err := workers.CloseAll(shutdownCtx); err != nil {
			log.Error(shutdownCtx, err)
		}
	}()

	for id, pc := range cfg.Pools {
		_, err := pools.Create(ctx, pool.Config{
			ID:          id,
			Kind:        task.PoolKind(pc.Kind),
			MinWorkers:  pc.Min,
			MaxWorkers:  pc.Max,
			Strategy:    pool.Strategy(pc.Strategy),
			QueueDepth:  pc.QueueDepth,
			Priority:    pc.Priority,
			SpawnBudget: cfg.SpawnBudget(),
			Memory:      backend.newMemory(id),
			WorkerSpec: worker.LaunchSpec{
				Command: pc.Command,
				Image:   pc.Image,
				Peer:    pc.Peer,
			},
		})
		if err != nil {
			return err
		}
	}

	rt, err := router.New(router.Strategy(cfg.Router.Strategy),
		router.WithLogger(logger),
		router.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}
	agg := aggregator.New(pools,
		aggregator.WithLogger(logger),
		aggregator.WithMetrics(metrics),
	)

	registrar := toolapi.NewRegistrar(
		toolapi.WithRateLimiter(guard.NewRateLimiter(rateConfig(cfg))),
		toolapi.WithLogger(logger),
		toolapi.WithMetrics(metrics),
	)
	service := toolapi.NewService(pools, workers, rt, agg, b,
		toolapi.WithMemoryFactory(func() memory.Store { return backend.newMemory("") }),
	)
	if err := service.Register(registrar); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("POST /tools/{name}", invokeHandler(registrar))
	mux.Handle("POST /execute", peerExecuteHandler(rt, pools))
	mux.HandleFunc("GET /tools", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tools": registrar.Names()})
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           log.HTTP(ctx)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- server.ListenAndServe() }()
	log.Infof(ctx, "tool surface listening on %s (backend %s)", cfg.Listen, cfg.Backend)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case err := <-errc:
		return orcerrors.Wrap(orcerrors.KindInternal, "tool surface server", err)
	case <-signalCtx.Done():
	}

	log.Infof(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// invokeHandler adapts the registrar to HTTP. The subject is the
// X-Mahavishnu-Subject header when present, else the client address.
func invokeHandler(registrar *toolapi.Registrar) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		subject := r.Header.Get("X-Mahavishnu-Subject")
		if subject == "" {
			subject = r.RemoteAddr
		}
		params, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": map[string]any{
				"kind":    string(orcerrors.KindInvalidArgument),
				"message": "read request body: " + err.Error(),
			}})
			return
		}
		envelope := registrar.Invoke(r.Context(), subject, name, params)
		status := http.StatusOK
		if !envelope.OK {
			status = statusFor(envelope.Error.Kind)
		}
		writeJSON(w, status, envelope)
	})
}

// statusFor maps envelope error kinds onto HTTP statuses. The envelope stays
// the source of truth; the status is advisory for plain HTTP clients.
func statusFor(kind string) int {
	switch orcerrors.Kind(kind) {
	case orcerrors.KindInvalidArgument, orcerrors.KindInvalidTransition, orcerrors.KindUnknownRepo:
		return http.StatusBadRequest
	case orcerrors.KindUnauthenticated:
		return http.StatusUnauthorized
	case orcerrors.KindRateLimited:
		return http.StatusTooManyRequests
	case orcerrors.KindOverloaded, orcerrors.KindNoPoolAvailable, orcerrors.KindBusy, orcerrors.KindCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// peerExecuteHandler serves the delegate protocol: a peer posts a serialized
// task, the task routes and runs locally, and the response body carries the
// framed result stream the peer consumes as its worker stream.
func peerExecuteHandler(rt *router.Router, pools *pool.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 16<<20))
		if err != nil {
			http.Error(w, "read task: "+err.Error(), http.StatusBadRequest)
			return
		}
		t, err := worker.DecodeWireTask(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p, err := rt.Route(t, pools.List())
		if err != nil {
			http.Error(w, err.Error(), statusFor(string(orcerrors.KindOf(err))))
			return
		}
		result, err := p.Execute(r.Context(), t)
		if err != nil {
			http.Error(w, err.Error(), statusFor(string(orcerrors.KindOf(err))))
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		if len(result.Artifact) > 0 {
			if frame, err := stream.Encode(stream.Content(result.Artifact)); err == nil {
				_, _ = w.Write(frame)
			}
		}
		if frame, err := stream.Encode(stream.Completion(result.Status)); err == nil {
			_, _ = w.Write(frame)
		}
	})
}

// breakerConfig converts adapter circuit settings into breaker settings.
func breakerConfig(cc config.CircuitConfig) guard.BreakerConfig {
	return guard.BreakerConfig{
		Threshold:   uint32(cc.Threshold),
		Cooldown:    time.Duration(cc.CooldownSeconds * float64(time.Second)),
		MaxAttempts: cc.MaxAttempts,
	}
}

// breakerOverrides translates every non-default circuit scope.
func breakerOverrides(circuits map[string]config.CircuitConfig) map[string]guard.BreakerConfig {
	overrides := make(map[string]guard.BreakerConfig, len(circuits))
	for adapter, cc := range circuits {
		if adapter == "default" {
			continue
		}
		overrides[adapter] = breakerConfig(cc)
	}
	return overrides
}

// rateConfig translates the "default" rate scope into limiter settings.
func rateConfig(cfg config.Config) guard.RateLimiterConfig {
	rc := cfg.Rate["default"]
	return guard.RateLimiterConfig{
		Window: time.Duration(rc.WindowSeconds * float64(time.Second)),
		Limit:  rc.Limit,
		Refill: rc.RPS,
		Burst:  rc.Burst,
		Exempt: rc.Exempt,
	}
}

// backendHandles bundles the persistence backend selected by configuration.
type backendHandles struct {
	buslog    buslog.Log
	newMemory func(namespace string) memory.Store
	close     func(context.Context)
}

// newBackend connects the configured persistence backend.
func newBackend(ctx context.Context, cfg config.Config) (*backendHandles, error) {
	switch cfg.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, orcerrors.Wrap(orcerrors.KindStoreUnavailable, "connect redis", err)
		}
		return &backendHandles{
			buslog: redislog.New(rdb, cfg.Redis.Namespace),
			newMemory: func(namespace string) memory.Store {
				if namespace == "" {
					namespace = cfg.Redis.Namespace
				}
				return redismem.New(rdb, namespace)
			},
			close: func(context.Context) { _ = rdb.Close() },
		}, nil
	case "mongo":
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, orcerrors.Wrap(orcerrors.KindStoreUnavailable, "connect mongo", err)
		}
		return &backendHandles{
			buslog: mongolog.New(client.Database(cfg.Mongo.Database)),
			// Pool memories stay in-process; mongo backs the message log.
			newMemory: func(string) memory.Store { return inmem.New() },
			close:     func(ctx context.Context) { _ = client.Disconnect(ctx) },
		}, nil
	default:
		return &backendHandles{
			buslog:    memlog.New(),
			newMemory: func(string) memory.Store { return inmem.New() },
			close:     func(context.Context) {},
		}, nil
	}
}
