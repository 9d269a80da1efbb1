// Package config loads and validates the YAML-driven configuration for
// both the coordinator and worker processes (spec §6: "Broker
// configuration. Hostname, port, user, password, runId." plus the
// per-role policy selections `rabbitMQComm.py`'s constructor and the
// synchronizer/init-handler/stopping-criterion factories took as
// arguments). Every validation failure is surfaced as a
// dlerrors.Configuration error so cmd/coordinator and cmd/worker can
// treat it uniformly as a fatal startup condition (spec §7).
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fraunhofer-iais/dlsync/aggregate"
	"github.com/fraunhofer-iais/dlsync/dlerrors"
	"github.com/fraunhofer-iais/dlsync/initpolicy"
	"github.com/fraunhofer-iais/dlsync/stopping"
	"github.com/fraunhofer-iais/dlsync/syncstrategy"
)

// Broker is the pub/sub connection configuration shared by both roles.
type Broker struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	RunID    string `yaml:"runId"`
}

func (b Broker) validate() error {
	if b.Host == "" || b.Port == 0 {
		return dlerrors.Configuration("config: broker host and port are required")
	}
	if b.RunID == "" {
		return dlerrors.Configuration("config: broker runId is required")
	}
	return nil
}

// URL builds the amqp091-go dial string for Broker.
func (b Broker) URL() string {
	return "amqp://" + b.User + ":" + b.Password + "@" + b.Host + ":" + strconv.Itoa(b.Port) + "/"
}

// StrategySpec selects and parameterizes one of the five synchronizer
// strategies (spec §4.3).
type StrategySpec struct {
	Kind       string  `yaml:"kind"` // periodic | aggregationAtEnd | noSync | dynamic | dynamicHedge
	Aggregator string  `yaml:"aggregator"` // mean | geometricMedian
	Eps        float64 `yaml:"eps"`
	MaxIter    int     `yaml:"maxIter"`
	Delta      float64 `yaml:"delta"`
}

func (s StrategySpec) aggregator() (aggregate.Aggregator, error) {
	switch s.Aggregator {
	case "", "mean":
		return aggregate.Mean{}, nil
	case "geometricMedian":
		return aggregate.GeometricMedian{Eps: s.Eps, MaxIter: s.MaxIter}, nil
	default:
		return nil, dlerrors.Configuration("config: unknown aggregator %q", s.Aggregator)
	}
}

// Strategy builds the syncstrategy.Strategy (and, where applicable, the
// matching syncstrategy.LocalChecker, which every strategy value also
// implements) this spec describes.
func (s StrategySpec) Strategy() (syncstrategy.Strategy, error) {
	agg, err := s.aggregator()
	if err != nil {
		return nil, err
	}
	switch s.Kind {
	case "periodic":
		return &syncstrategy.PeriodicSync{Aggregator: agg}, nil
	case "aggregationAtEnd":
		return &syncstrategy.AggregationAtEnd{Aggregator: agg}, nil
	case "noSync":
		return &syncstrategy.NoSync{}, nil
	case "dynamic":
		return &syncstrategy.DynamicSync{Aggregator: agg, Delta: s.Delta}, nil
	case "dynamicHedge":
		return &syncstrategy.DynamicHedgeSync{Aggregator: agg, Delta: s.Delta}, nil
	default:
		return nil, dlerrors.Configuration("config: unknown synchronizer kind %q", s.Kind)
	}
}

// LocalChecker builds the worker-side half of the same strategy
// selection, without requiring a worker to hold a full Strategy (which
// needs an Aggregator it never calls).
func (s StrategySpec) LocalChecker() (syncstrategy.LocalChecker, error) {
	return s.Strategy()
}

// InitHandlerSpec selects one of the three init-handler variants (spec
// §4.6).
type InitHandlerSpec struct {
	Kind      string  `yaml:"kind"` // identity | useFirst | noisy
	NoiseType string  `yaml:"noiseType"`
	Range     float64 `yaml:"range"`
}

func (s InitHandlerSpec) Handler() (initpolicy.Handler, error) {
	switch s.Kind {
	case "", "identity":
		return &initpolicy.Identity{}, nil
	case "useFirst":
		return &initpolicy.UseFirst{}, nil
	case "noisy":
		return &initpolicy.Noisy{Spec: initpolicy.NoiseSpec{Type: s.NoiseType, Range: s.Range}}, nil
	default:
		return nil, dlerrors.Configuration("config: unknown init handler kind %q", s.Kind)
	}
}

// StoppingSpec selects one of the two stopping criteria (spec §4.7).
type StoppingSpec struct {
	Kind       string        `yaml:"kind"` // maxExamples | timeout
	N          int           `yaml:"n"`
	Duration   time.Duration `yaml:"duration"`
}

func (s StoppingSpec) Criterion(start time.Time) (stopping.Criterion, error) {
	switch s.Kind {
	case "maxExamples":
		if s.N <= 0 {
			return nil, dlerrors.Configuration("config: maxExamples stopping criterion needs n > 0")
		}
		return &stopping.MaxExamples{N: s.N}, nil
	case "timeout":
		if s.Duration <= 0 {
			return nil, dlerrors.Configuration("config: timeout stopping criterion needs a positive duration")
		}
		return &stopping.Timeout{Start: start, Duration: s.Duration}, nil
	default:
		return nil, dlerrors.Configuration("config: unknown stopping criterion kind %q", s.Kind)
	}
}

// Coordinator is the full coordinator process configuration.
type Coordinator struct {
	Broker            Broker       `yaml:"broker"`
	Strategy          StrategySpec `yaml:"strategy"`
	InitHandler       InitHandlerSpec `yaml:"initHandler"`
	MinActive         int          `yaml:"minActive"`
	WaitForN          int          `yaml:"waitForN"`
	CompressThreshold int          `yaml:"compressThreshold"`
	AdminAddr         string       `yaml:"adminAddr"`
	SnapshotDir       string       `yaml:"snapshotDir"`
	LogDir            string       `yaml:"logDir"`
}

func (c Coordinator) validate() error {
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if c.MinActive < 0 || c.WaitForN < 0 {
		return dlerrors.Configuration("config: minActive and waitForN must be >= 0")
	}
	return nil
}

// LoadCoordinator reads and validates a Coordinator config from path.
func LoadCoordinator(path string) (Coordinator, error) {
	var c Coordinator
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, dlerrors.Configuration("config: reading %s: %v", path, err)
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, dlerrors.Configuration("config: parsing %s: %v", path, err)
	}
	if err := c.validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Worker is the full worker process configuration.
type Worker struct {
	Broker            Broker       `yaml:"broker"`
	Strategy          StrategySpec `yaml:"strategy"`
	Stopping          StoppingSpec `yaml:"stopping"`
	BatchSize         int          `yaml:"batchSize"`
	SyncPeriod        int          `yaml:"syncPeriod"`
	CompressThreshold int          `yaml:"compressThreshold"`
	AdminAddr         string       `yaml:"adminAddr"`
	SnapshotDir       string       `yaml:"snapshotDir"`
	LogDir            string       `yaml:"logDir"`
	FeatureDim        int          `yaml:"featureDim"`
	LearningRate      float64      `yaml:"learningRate"`
	DataPath          string       `yaml:"dataPath"`
}

func (w Worker) validate() error {
	if err := w.Broker.validate(); err != nil {
		return err
	}
	if w.SyncPeriod <= 0 {
		return dlerrors.Configuration("config: syncPeriod must be > 0")
	}
	if w.FeatureDim <= 0 {
		return dlerrors.Configuration("config: featureDim must be > 0")
	}
	return nil
}

// LoadWorker reads and validates a Worker config from path.
func LoadWorker(path string) (Worker, error) {
	var w Worker
	raw, err := os.ReadFile(path)
	if err != nil {
		return w, dlerrors.Configuration("config: reading %s: %v", path, err)
	}
	if err := yaml.Unmarshal(raw, &w); err != nil {
		return w, dlerrors.Configuration("config: parsing %s: %v", path, err)
	}
	if err := w.validate(); err != nil {
		return w, err
	}
	return w, nil
}
