// deploytrigger accepts run requests over HTTP and queues them on Kafka for
// the deploy agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrej220/rdeploy/internal/lg"
	"github.com/andrej220/rdeploy/internal/serverutil"
	"github.com/andrej220/rdeploy/pkg/config"
	"github.com/andrej220/rdeploy/pkg/config/mongostore"
	"github.com/andrej220/rdeploy/pkg/events"
	"github.com/andrej220/rdeploy/pkg/reportstore"
	"github.com/andrej220/rdeploy/pkg/secrets"
	dm "github.com/andrej220/rdeploy/pkg/shared-models"
)

const (
	serviceName       = "deploytrigger"
	defaultConfigPath = "rdeploy.yaml"
)

func main() {
	var configPath string
	cfg := lg.NewConfigFromFlags(serviceName, func(fs *flag.FlagSet) {
		fs.StringVar(&configPath, "config", defaultConfigPath, "settings file")
	})
	logger := lg.New(cfg)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = lg.Attach(ctx, logger)

	if err := run(ctx, logger, configPath); err != nil {
		logger.Error("Fatal error", lg.Err(err))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, logger lg.Logger, configPath string) error {
	settings, err := config.LoadFile(ctx, configPath, true)
	if err != nil {
		return err
	}

	producer, err := events.NewProducer[dm.RunRequest](events.Config{
		Brokers: settings.Kafka.Brokers,
		Topic:   settings.Kafka.RequestTopic,
	})
	if err != nil {
		return err
	}
	defer producer.Close()

	// reports are optional: without MongoDB the trigger still queues runs
	var reports reportReader
	if uri, err := secrets.NewStore().Resolve(ctx, settings.Mongo.URIRef); err != nil {
		logger.Warn("report endpoints disabled", lg.Err(err))
	} else {
		client, err := mongostore.Connect(ctx, uri)
		if err != nil {
			logger.Warn("report endpoints disabled", lg.Err(err))
		} else {
			defer client.Disconnect(context.Background())
			reports = reportstore.New(client.Database(settings.Mongo.Database).Collection(settings.Mongo.Reports))
		}
	}

	scfg := serverutil.DefaultServerConfig()
	scfg.Addr = settings.Trigger.Listen
	scfg.Logger = logger
	logger.Info("starting service",
		lg.String("service", serviceName),
		lg.String("addr", scfg.Addr),
		lg.String("path", settings.Trigger.Path),
		lg.String("topic", settings.Kafka.RequestTopic))
	if err := serverutil.RunServer(ctx, newMux(settings.Trigger.Path, producer, reports), scfg); err != nil {
		return fmt.Errorf("run server: %w", err)
	}
	return nil
}
