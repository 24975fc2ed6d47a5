// deployagent consumes run requests from Kafka, executes the stored plan on the
// target host and records the report in MongoDB.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andrej220/rdeploy/internal/lg"
	"github.com/andrej220/rdeploy/pkg/config"
	"github.com/andrej220/rdeploy/pkg/config/mongostore"
	"github.com/andrej220/rdeploy/pkg/events"
	"github.com/andrej220/rdeploy/pkg/reportstore"
	"github.com/andrej220/rdeploy/pkg/secrets"
	dm "github.com/andrej220/rdeploy/pkg/shared-models"
)

const (
	serviceName       = "deployagent"
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
	if settings.Mongo.URIRef == "" {
		return errors.New("mongo.uri_ref is required")
	}

	// no prompt source: a service has no terminal
	store := secrets.NewStore()
	uri, err := store.Resolve(ctx, settings.Mongo.URIRef)
	if err != nil {
		return fmt.Errorf("mongo uri: %w", err)
	}
	plans, err := mongostore.New(ctx, uri, settings.Mongo.Database, settings.Mongo.Plans, "")
	if err != nil {
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = plans.Client.Disconnect(dctx)
	}()

	producer, err := events.NewProducer[dm.RunEvent](events.Config{
		Brokers: settings.Kafka.Brokers,
		Topic:   settings.Kafka.EventTopic,
	})
	if err != nil {
		return err
	}
	defer producer.Close()

	consumer, err := events.NewConsumer[dm.RunRequest](events.Config{
		Brokers: settings.Kafka.Brokers,
		Topic:   settings.Kafka.RequestTopic,
		GroupID: settings.Kafka.GroupID,
	})
	if err != nil {
		return err
	}
	defer consumer.Close()

	a := &agent{
		settings: settings,
		plans:    mongoPlans{store: plans},
		reports:  reportstore.New(plans.Client.Database(settings.Mongo.Database).Collection(settings.Mongo.Reports)),
		events:   producer,
		secrets:  store,
		dial:     dialSSH,
		now:      time.Now,
	}
	logger.Info("starting service",
		lg.String("service", serviceName),
		lg.String("requests", settings.Kafka.RequestTopic),
		lg.String("events", settings.Kafka.EventTopic),
		lg.String("group", settings.Kafka.GroupID))
	return consumer.Run(ctx, a.handle)
}
