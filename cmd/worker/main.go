// Command worker runs one WorkerState process end to end: it dials the
// broker, registers with the coordinator, and drives an in-memory Linear
// learner off both the nodes exchange (control messages) and a
// CSV-backed DataSource (training examples) until its stopping criterion
// fires (spec §3's worker lifecycle).
package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/teris-io/shortid"
	"golang.org/x/sync/errgroup"

	"github.com/fraunhofer-iais/dlsync/admin"
	"github.com/fraunhofer-iais/dlsync/config"
	"github.com/fraunhofer-iais/dlsync/datasource"
	"github.com/fraunhofer-iais/dlsync/dlerrors"
	"github.com/fraunhofer-iais/dlsync/dlog"
	"github.com/fraunhofer-iais/dlsync/learner"
	"github.com/fraunhofer-iais/dlsync/metrics"
	"github.com/fraunhofer-iais/dlsync/nodeid"
	"github.com/fraunhofer-iais/dlsync/snapshot"
	"github.com/fraunhofer-iais/dlsync/transport"
	"github.com/fraunhofer-iais/dlsync/wire"
	"github.com/fraunhofer-iais/dlsync/workstate"
)

func main() {
	cfgPath := flag.String("config", "worker.yaml", "path to worker config YAML")
	verbosity := flag.Int("v", 0, "log verbosity")
	flag.Parse()
	dlog.SetLevel(*verbosity)

	if err := run(*cfgPath); err != nil {
		dlog.Errorf("worker: fatal: %v", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.LoadWorker(cfgPath)
	if err != nil {
		return err
	}

	id := nodeid.NodeId(shortid.MustGenerate())
	dlog.Infof("worker %s: joining run %s", id, cfg.Broker.RunID)

	checker, err := cfg.Strategy.LocalChecker()
	if err != nil {
		return err
	}
	stopper, err := cfg.Stopping.Criterion(time.Now())
	if err != nil {
		return err
	}

	ds, err := loadDataSource(cfg.DataPath)
	if err != nil {
		return err
	}
	if err := ds.Prepare(); err != nil {
		return err
	}

	lrn := learner.NewLinear(cfg.FeatureDim, cfg.LearningRate)

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

	mreg := metrics.New(prometheus.NewRegistry(), "worker")

	state, err := workstate.New(
		workstate.Config{
			Identifier:          id,
			CoordinatorExchange: transport.CoordinatorExchange(cfg.Broker.RunID),
			BatchSize:           cfg.BatchSize,
			SyncPeriod:          cfg.SyncPeriod,
			Delta:               cfg.Strategy.Delta,
			CompressThreshold:   cfg.CompressThreshold,
		},
		lrn, checker, stopper, client, logger, mreg, time.Now,
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
				return dlerrors.Configuration("worker: admin server: %v", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return adminSrv.Shutdown()
		})
	}

	ctrlMsgs, err := client.Consume(ctx, transport.NodesExchange(cfg.Broker.RunID),
		[]string{"newModel.#." + string(id) + ".#", wire.RequestKey(id), wire.ExitKey(id)})
	if err != nil {
		return err
	}

	// The data-producer goroutine isolates DataSource.GetNext's blocking
	// behavior from the main event loop (spec §6).
	examples := make(chan learner.Example, 64)
	g.Go(func() error {
		defer close(examples)
		for {
			ex, ok, err := ds.GetNext()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			select {
			case examples <- ex:
			case <-ctx.Done():
				return nil
			}
		}
	})

	if err := state.Register(ctx); err != nil {
		return err
	}

	g.Go(func() error {
		var exampleCh <-chan learner.Example = examples
		for {
			select {
			case <-ctx.Done():
				return nil
			case fatalErr := <-client.Errs:
				return fatalErr
			case msg, ok := <-ctrlMsgs:
				if !ok {
					return nil
				}
				if err := state.Step(ctx, &msg, nil); err != nil {
					return err
				}
			case ex, ok := <-exampleCh:
				if !ok {
					exampleCh = nil
					continue
				}
				if err := state.Step(ctx, nil, &ex); err != nil {
					return err
				}
			}
			if state.Terminated() {
				dlog.Infof("worker %s: stopping criterion satisfied, shutting down", id)
				return nil
			}
		}
	})

	return g.Wait()
}

// loadDataSource reads a CSV file of "feature1,feature2,...,label" rows
// into an in-memory DataSource (spec §6's DataSource is opaque; CSV is
// this binary's one concrete choice for a runnable demo).
func loadDataSource(path string) (*datasource.InMemory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, dlerrors.Configuration("worker: opening data file %s: %v", path, err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	var examples []learner.Example
	for {
		row, err := r.Read()
		if err != nil {
			break
		}
		if len(row) < 2 {
			continue
		}
		features := make([]float64, len(row)-1)
		for i, field := range row[:len(row)-1] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, dlerrors.Configuration("worker: parsing %s: %v", path, err)
			}
			features[i] = v
		}
		label, err := strconv.ParseFloat(row[len(row)-1], 64)
		if err != nil {
			return nil, dlerrors.Configuration("worker: parsing %s: %v", path, err)
		}
		examples = append(examples, learner.Example{Features: features, Label: label})
	}
	return datasource.NewInMemory(examples), nil
}
