// Command coordinator runs one CoordinatorState process end to end: it
// dials the broker, wires the configured synchronizer and init handler,
// exposes the optional admin status surface, records metrics, and drives
// coordstate.State off the coordinator exchange until every worker has deregistered (spec §3's coordinator
// lifecycle).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/fraunhofer-iais/dlsync/admin"
	"github.com/fraunhofer-iais/dlsync/config"
	"github.com/fraunhofer-iais/dlsync/coordstate"
	"github.com/fraunhofer-iais/dlsync/dlerrors"
	"github.com/fraunhofer-iais/dlsync/dlog"
	"github.com/fraunhofer-iais/dlsync/metrics"
	"github.com/fraunhofer-iais/dlsync/snapshot"
	"github.com/fraunhofer-iais/dlsync/transport"
)

func main() {
	cfgPath := flag.String("config", "coordinator.yaml", "path to coordinator config YAML")
	verbosity := flag.Int("v", 0, "log verbosity")
	flag.Parse()
	dlog.SetLevel(*verbosity)

	if err := run(*cfgPath); err != nil {
		dlog.Errorf("coordinator: fatal: %v", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.LoadCoordinator(cfgPath)
	if err != nil {
		return err
	}
	if cfg.Broker.RunID == "" {
		cfg.Broker.RunID = uuid.NewString()
	}
	dlog.Infof("coordinator: starting run %s", cfg.Broker.RunID)

	strategy, err := cfg.Strategy.Strategy()
	if err != nil {
		return err
	}
	handler, err := cfg.InitHandler.Handler()
	if err != nil {
		return err
	}

	client, err := transport.Dial(cfg.Broker.URL(), cfg.Broker.RunID)
	if err != nil {
		return err
	}
	defer client.Close()

	var logger *dlog.LearningLogger
	if cfg.LogDir != "" {
		logger = dlog.NewLearningLogger(cfg.LogDir)
		defer logger.Close()
	}

	var store *snapshot.Store
	if cfg.SnapshotDir != "" {
		store, err = snapshot.Open(cfg.SnapshotDir+"/index.db", cfg.SnapshotDir)
		if err != nil {
			return err
		}
		if err := store.RebuildIndex(); err != nil {
			return err
		}
		defer store.Close()
	}

	mreg := metrics.New(prometheus.NewRegistry(), "coordinator")

	state, err := coordstate.New(
		coordstate.Config{
			NodesExchange:     transport.NodesExchange(cfg.Broker.RunID),
			MinActive:         cfg.MinActive,
			WaitForN:          cfg.WaitForN,
			CompressThreshold: cfg.CompressThreshold,
		},
		strategy, handler, client, logger, mreg, time.Now,
	)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var adminSrv *admin.Server
	if cfg.AdminAddr != "" {
		adminSrv = admin.New(cfg.AdminAddr, func() interface{} { return state.Snapshot() })
	}

	g, ctx := errgroup.WithContext(ctx)
	if adminSrv != nil {
		g.Go(func() error {
			if err := adminSrv.ListenAndServe(); err != nil {
				return dlerrors.Configuration("coordinator: admin server: %v", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return adminSrv.Shutdown()
		})
	}

	msgs, err := client.Consume(ctx, transport.CoordinatorExchange(cfg.Broker.RunID), []string{"registration", "deregistration", "violation", "balancing"})
	if err != nil {
		return err
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case fatalErr := <-client.Errs:
				return fatalErr
			case msg, ok := <-msgs:
				if !ok {
					return nil
				}
				if err := state.Step(ctx, &msg); err != nil {
					if dlerrors.Is(err, dlerrors.KindTransportDisconnect) {
						dlog.Warningf("coordinator: %v", err)
						continue
					}
					return err
				}
				if state.Terminated() {
					dlog.Infof("coordinator: all workers deregistered, shutting down")
					return nil
				}
			}
		}
	})

	return g.Wait()
}

