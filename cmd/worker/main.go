// Command worker runs the task execution worker: it connects the stores, the
// model provider, and Temporal, registers the driver workflow and its
// activities, and serves until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	temporalclient "go.temporal.io/sdk/client"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"github.com/itsbrex/julep/activities"
	blobredis "github.com/itsbrex/julep/blob/redis"
	"github.com/itsbrex/julep/config"
	"github.com/itsbrex/julep/engine"
	"github.com/itsbrex/julep/engine/temporal"
	execmongo "github.com/itsbrex/julep/execstore/mongo"
	"github.com/itsbrex/julep/model"
	"github.com/itsbrex/julep/model/anthropic"
	"github.com/itsbrex/julep/model/middleware"
	"github.com/itsbrex/julep/model/openai"
	streampulse "github.com/itsbrex/julep/stream/pulse"
	"github.com/itsbrex/julep/taskexec"
	"github.com/itsbrex/julep/telemetry"
	logmongo "github.com/itsbrex/julep/translog/mongo"
)

func main() {
	dbgF := flag.Bool("debug", false, "Enable debug logs")
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	if *dbgF || cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	logger := telemetry.NewClueLogger()

	// Connect the stores.
	mongoClient, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf(ctx, err, "connect mongo at %s", cfg.MongoURI)
	}
	defer func() {
		if derr := mongoClient.Disconnect(context.Background()); derr != nil {
			log.Errorf(ctx, derr, "disconnect mongo")
		}
	}()

	transitions, err := logmongo.New(logmongo.Options{
		Client:   mongoClient,
		Database: cfg.MongoDatabase,
		Timeout:  cfg.QueryTimeout,
	})
	if err != nil {
		log.Fatalf(ctx, err, "open transition log")
	}
	executions, err := execmongo.New(execmongo.Options{
		Client:   mongoClient,
		Database: cfg.MongoDatabase,
		Timeout:  cfg.QueryTimeout,
	})
	if err != nil {
		log.Fatalf(ctx, err, "open execution store")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer func() {
		if cerr := rdb.Close(); cerr != nil {
			log.Errorf(ctx, cerr, "close redis")
		}
	}()

	blobs, err := blobredis.New(blobredis.Options{Client: rdb})
	if err != nil {
		log.Fatalf(ctx, err, "open blob store")
	}

	pulseClient, err := streampulse.NewClient(streampulse.ClientOptions{Redis: rdb})
	if err != nil {
		log.Fatalf(ctx, err, "create pulse client")
	}
	sink, err := streampulse.NewSink(streampulse.SinkOptions{Client: pulseClient})
	if err != nil {
		log.Fatalf(ctx, err, "create transition event sink")
	}

	modelClient, err := buildModelClient(ctx, cfg, rdb)
	if err != nil {
		log.Fatalf(ctx, err, "configure model provider")
	}

	// Connect Temporal and register the workflow and activities.
	eng, err := temporal.New(temporal.Options{
		ClientOptions: &temporalclient.Options{
			HostPort:  cfg.TemporalAddress,
			Namespace: cfg.TemporalNamespace,
		},
		WorkerOptions: temporal.WorkerOptions{TaskQueue: cfg.TaskQueue},
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "connect temporal at %s", cfg.TemporalAddress)
	}
	defer func() {
		if cerr := eng.Close(); cerr != nil {
			log.Errorf(ctx, cerr, "close temporal engine")
		}
	}()

	acts, err := activities.New(activities.Options{
		TransitionLog: transitions,
		Executions:    executions,
		Blobs:         blobs,
		BlobThreshold: cfg.BlobThreshold,
		Model:         modelClient,
		Stream:        sink,
		Logger:        logger,
		Metrics:       telemetry.NewClueMetrics(),
		Tracer:        telemetry.NewClueTracer(),
	})
	if err != nil {
		log.Fatalf(ctx, err, "build activities")
	}
	if err := acts.Register(ctx, eng, engine.ActivityOptions{
		Queue:           cfg.TaskQueue,
		ScheduleToClose: cfg.ScheduleToClose,
		Heartbeat:       cfg.Heartbeat,
		RetryPolicy:     taskexec.DefaultRetryPolicy,
	}); err != nil {
		log.Fatalf(ctx, err, "register activities")
	}

	driver := taskexec.NewDriver(taskexec.DriverOptions{
		TaskQueue:       cfg.TaskQueue,
		ScheduleToClose: cfg.ScheduleToClose,
		Heartbeat:       cfg.Heartbeat,
		Logger:          logger,
	})
	if err := driver.Register(ctx, eng); err != nil {
		log.Fatalf(ctx, err, "register driver workflow")
	}

	if err := eng.Worker().Start(); err != nil {
		log.Fatalf(ctx, err, "start worker")
	}
	log.Print(ctx,
		log.KV{K: "msg", V: "worker running"},
		log.KV{K: "task-queue", V: cfg.TaskQueue},
		log.KV{K: "workflow", V: driver.WorkflowName()})

	// Serve until interrupted.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	log.Printf(ctx, "exiting (%v)", <-errc)
	eng.Worker().Stop()
	log.Printf(ctx, "exited")
}

// buildModelClient selects the prompt model provider from the configured API
// keys, wrapping it in the adaptive rate limiter when a budget is set.
func buildModelClient(ctx context.Context, cfg *config.Config, rdb *redis.Client) (model.Client, error) {
	var (
		client model.Client
		err    error
	)
	switch {
	case cfg.OpenAIKey != "":
		client, err = openai.NewFromAPIKey(cfg.OpenAIKey, cfg.DefaultModel)
	case cfg.AnthropicKey != "":
		client, err = anthropic.NewFromAPIKey(cfg.AnthropicKey, cfg.DefaultModel)
	default:
		log.Print(ctx, log.KV{K: "msg", V: "no model API key configured; prompt steps will fail"})
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if cfg.ModelTPM > 0 {
		budget, err := rmap.Join(ctx, "model-rate-limit", rdb)
		if err != nil {
			return nil, fmt.Errorf("join rate limit map: %w", err)
		}
		limiter := middleware.NewAdaptiveRateLimiter(ctx, budget, "tpm", cfg.ModelTPM, cfg.ModelTPM*4)
		client = model.Chain(client, limiter.Middleware())
	}
	return client, nil
}
