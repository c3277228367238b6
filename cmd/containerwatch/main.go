package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mumzworld-tech/containerwatch/internal/cloudwatch"
	"github.com/mumzworld-tech/containerwatch/internal/config"
	"github.com/mumzworld-tech/containerwatch/internal/container"
	"github.com/mumzworld-tech/containerwatch/internal/driver"
	"github.com/mumzworld-tech/containerwatch/internal/logger"
	"github.com/mumzworld-tech/containerwatch/internal/sink"
	"github.com/mumzworld-tech/containerwatch/internal/source"
	"github.com/mumzworld-tech/containerwatch/internal/status"
)

const shutdownTimeout = 2 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "containerwatch: %v\n", err)
		os.Exit(2)
	}

	log, err := logger.New(logger.Options{
		AppName:     cfg.AppName,
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "containerwatch: %v\n", err)
		os.Exit(2)
	}

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigChan
		log.Infof("Received signal: %v", sig)
		cancel()
	}()

	if err := run(ctx, cfg, log); err != nil {
		var setupErr *sink.SetupError
		var deliveryErr *sink.DeliveryError
		switch {
		case errors.As(err, &setupErr):
			log.WithError(err).Error("Failed to prepare log stream")
		case errors.As(err, &deliveryErr):
			log.WithError(err).Error("Log data lost, stopping")
		default:
			log.WithError(err).Error("Forwarding stopped")
		}
		os.Exit(1)
	}
}

// pipeline is the source side of one configured stream
type pipeline struct {
	src  source.Source
	exit <-chan struct{}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Entry) error {
	api, err := cloudwatch.Dial(ctx, cloudwatch.Options{
		Region:          cfg.Region,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		SessionToken:    cfg.SessionToken,
		Endpoint:        cfg.Endpoint,
	}, log)
	if err != nil {
		return err
	}

	drivers, err := prepare(ctx, cfg, api, func(ctx context.Context) ([]pipeline, error) {
		return sources(ctx, cfg, log)
	}, log)
	if err != nil {
		return err
	}

	if cfg.StatusAddr != "" {
		reporters := make([]status.Reporter, len(drivers))
		for i, d := range drivers {
			reporters[i] = d
		}
		srv := status.NewServer(cfg.StatusAddr, reporters, log)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start status server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Error("Error shutting down status server")
			}
		}()
	}

	// a failed stream stops the others, which then drain
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range drivers {
		g.Go(func() error { return d.Run(gctx) })
	}
	return g.Wait()
}

// prepare sets up the sink stream of every configured stream and only then
// calls open, which may start the workload container
func prepare(ctx context.Context, cfg *config.Config, api sink.API, open func(context.Context) ([]pipeline, error), log *logrus.Entry) ([]*driver.Driver, error) {
	clients := make([]*sink.Client, len(cfg.Streams))
	for i, s := range cfg.Streams {
		client, err := sink.NewClient(ctx, api, s.Group, s.Stream,
			sink.WithDebug(cfg.Debug),
			sink.WithLogger(log),
		)
		if err != nil {
			return nil, err
		}
		clients[i] = client
	}

	pipelines, err := open(ctx)
	if err != nil {
		return nil, err
	}
	if len(pipelines) != len(clients) {
		return nil, fmt.Errorf("resolved %d sources for %d streams", len(pipelines), len(clients))
	}

	policy := sink.NewPolicy(cfg.RetryBackoff)
	drivers := make([]*driver.Driver, len(pipelines))
	for i, p := range pipelines {
		drivers[i] = driver.New(p.src, clients[i], policy, driver.Options{
			Limits:       cfg.Limits(),
			Interval:     cfg.PollInterval,
			DrainTimeout: cfg.DrainTimeout,
			Exit:         p.exit,
		}, log)
	}
	return drivers, nil
}

// sources resolves the line source of every configured stream, starting
// the workload container first when an image was given
func sources(ctx context.Context, cfg *config.Config, log *logrus.Entry) ([]pipeline, error) {
	if cfg.Stdin {
		s := source.NewStream(os.Stdin)
		return []pipeline{{src: s, exit: s.Done()}}, nil
	}

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker: %w", err)
	}
	runner := container.NewRunner(docker, log)

	streams := cfg.Streams
	if cfg.DockerImage != "" {
		id, err := runner.Run(ctx, cfg.DockerImage, cfg.BashCommand)
		if err != nil {
			return nil, err
		}
		streams[0].Container = id
	}

	pipelines := make([]pipeline, len(streams))
	for i, s := range streams {
		pipelines[i] = pipeline{
			src:  source.NewDocker(docker, s.Container),
			exit: runner.Exited(ctx, s.Container),
		}
	}
	return pipelines, nil
}
