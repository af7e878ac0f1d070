package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/llm-d/llm-d-fleet-autoscaler/api/v1alpha1"
)

// EnvPrefix is the prefix of environment variables recognised by Load.
// FLEET_SCALING_MINREPLICAS overrides scaling.minReplicas, and so on.
const EnvPrefix = "FLEET"

// Metric payload formats.
const (
	FormatAuto       = "auto"
	FormatJSON       = "json"
	FormatPrometheus = "prometheus"
)

// Provisioner kinds.
const (
	ProvisionerFleetAPI   = "fleetapi"
	ProvisionerKubernetes = "kubernetes"
)

// Rollout strategies.
const (
	StrategyRolling   = "rolling"
	StrategyImmediate = "immediate"
)

// Scaling bases for the desired-count formula.
const (
	// BasisActual multiplies utilization by the number of serving (Ready) replicas.
	BasisActual = "actual"
	// BasisSampled multiplies utilization by the number of replicas that reported a sample.
	BasisSampled = "sampled"
)

// Config is the complete controller configuration.
type Config struct {
	Service     ServiceConfig     `mapstructure:"service"`
	Scaling     ScalingConfig     `mapstructure:"scaling"`
	Metric      MetricConfig      `mapstructure:"metric"`
	Loop        LoopConfig        `mapstructure:"loop"`
	Rollout     RolloutConfig     `mapstructure:"rollout"`
	Provisioner ProvisionerConfig `mapstructure:"provisioner"`
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
}

// ServiceConfig describes the managed service and its probe endpoints.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Image       string `mapstructure:"image"`
	Port        int    `mapstructure:"port"`
	HealthPath  string `mapstructure:"healthPath"`
	ReadyPath   string `mapstructure:"readyPath"`
	MetricsPath string `mapstructure:"metricsPath"`
}

// ScalingConfig is the autoscaling policy.
type ScalingConfig struct {
	// TargetUtilization is the utilization ratio the fleet is sized for.
	TargetUtilization float64 `mapstructure:"targetUtilization"`
	MinReplicas       int     `mapstructure:"minReplicas"`
	MaxReplicas       int     `mapstructure:"maxReplicas"`
	// ScaleDownCooldown is how long a lower count must be continuously indicated.
	ScaleDownCooldown time.Duration `mapstructure:"scaleDownCooldown"`
	// Tolerance holds the count while |utilization/target - 1| <= Tolerance. Zero disables it.
	Tolerance float64 `mapstructure:"tolerance"`
	// Basis is BasisActual or BasisSampled.
	Basis string `mapstructure:"basis"`
	// PolicyFile optionally points at a ScalingPolicy document applied over this section.
	PolicyFile string `mapstructure:"policyFile"`
}

// MetricConfig selects the load signal extracted from each replica's metrics endpoint.
type MetricConfig struct {
	Kind v1alpha1.MetricKind `mapstructure:"kind"`
	// Format is FormatAuto, FormatJSON or FormatPrometheus.
	Format string `mapstructure:"format"`
	// Field is a dotted JSON path, or a Prometheus metric family name.
	Field string `mapstructure:"field"`
	// Labels restricts Prometheus series to those carrying these labels.
	Labels map[string]string `mapstructure:"labels"`
	// Counter marks Field as a cumulative counter to be converted into a per-second rate.
	Counter bool `mapstructure:"counter"`
	// TargetPerReplica is the load one replica is expected to carry at utilization 1.0.
	TargetPerReplica float64 `mapstructure:"targetPerReplica"`
	// StalenessWindow excludes samples older than this from aggregation.
	StalenessWindow time.Duration `mapstructure:"stalenessWindow"`
}

// LoopConfig tunes the reconciliation tick.
type LoopConfig struct {
	TickInterval     time.Duration `mapstructure:"tickInterval"`
	ProbeTimeout     time.Duration `mapstructure:"probeTimeout"`
	ProbeParallelism int           `mapstructure:"probeParallelism"`
	// TickOverhead is added to ProbeTimeout to form the tick deadline.
	TickOverhead time.Duration `mapstructure:"tickOverhead"`
}

// TickDeadline is the budget of a single tick.
func (c LoopConfig) TickDeadline() time.Duration {
	return c.ProbeTimeout + c.TickOverhead
}

// RolloutConfig bounds how fast the fleet changes.
type RolloutConfig struct {
	// Strategy is StrategyRolling or StrategyImmediate.
	Strategy        string        `mapstructure:"strategy"`
	MaxSurge        int           `mapstructure:"maxSurge"`
	MaxUnavailable  int           `mapstructure:"maxUnavailable"`
	StartupDeadline time.Duration `mapstructure:"startupDeadline"`
	DrainPeriod     time.Duration `mapstructure:"drainPeriod"`
}

// ProvisionerConfig selects and tunes the replica provisioning backend.
type ProvisionerConfig struct {
	Kind string `mapstructure:"kind"`

	// Endpoint is the base URL of the fleet API (fleetapi only).
	Endpoint string `mapstructure:"endpoint"`
	// RequestTimeout bounds each fleet API call.
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`

	// Namespace and HeadlessService place replica Pods (kubernetes only).
	Namespace       string `mapstructure:"namespace"`
	HeadlessService string `mapstructure:"headlessService"`

	// QPS and Burst rate limit provisioner calls.
	QPS   float64 `mapstructure:"qps"`
	Burst int     `mapstructure:"burst"`

	// BackoffInitial and BackoffMax bound the retry backoff of failed calls.
	BackoffInitial time.Duration `mapstructure:"backoffInitial"`
	BackoffMax     time.Duration `mapstructure:"backoffMax"`
}

// ServerConfig configures the control surface.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "web")
	v.SetDefault("service.port", 5000)
	v.SetDefault("service.healthPath", "/health")
	v.SetDefault("service.readyPath", "/ready")
	v.SetDefault("service.metricsPath", "/metrics")

	v.SetDefault("scaling.targetUtilization", 0.7)
	v.SetDefault("scaling.minReplicas", 1)
	v.SetDefault("scaling.maxReplicas", 10)
	v.SetDefault("scaling.scaleDownCooldown", 5*time.Minute)
	v.SetDefault("scaling.tolerance", 0.0)
	v.SetDefault("scaling.basis", BasisActual)
	v.SetDefault("scaling.policyFile", "")

	v.SetDefault("metric.kind", string(v1alpha1.MetricCPU))
	v.SetDefault("metric.format", FormatAuto)
	v.SetDefault("metric.field", "runtime.cpu_percent")
	v.SetDefault("metric.counter", false)
	v.SetDefault("metric.targetPerReplica", 100.0)
	v.SetDefault("metric.stalenessWindow", 30*time.Second)

	v.SetDefault("loop.tickInterval", 5*time.Second)
	v.SetDefault("loop.probeTimeout", 2*time.Second)
	v.SetDefault("loop.probeParallelism", 16)
	v.SetDefault("loop.tickOverhead", time.Second)

	v.SetDefault("rollout.strategy", StrategyRolling)
	v.SetDefault("rollout.maxSurge", 1)
	v.SetDefault("rollout.maxUnavailable", 1)
	v.SetDefault("rollout.startupDeadline", 2*time.Minute)
	v.SetDefault("rollout.drainPeriod", 30*time.Second)

	v.SetDefault("provisioner.kind", ProvisionerFleetAPI)
	v.SetDefault("provisioner.requestTimeout", 10*time.Second)
	v.SetDefault("provisioner.namespace", "default")
	v.SetDefault("provisioner.qps", 5.0)
	v.SetDefault("provisioner.burst", 10)
	v.SetDefault("provisioner.backoffInitial", time.Second)
	v.SetDefault("provisioner.backoffMax", time.Minute)

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"service-name":        "service.name",
	"image":               "service.image",
	"target-utilization":  "scaling.targetUtilization",
	"min-replicas":        "scaling.minReplicas",
	"max-replicas":        "scaling.maxReplicas",
	"scale-down-cooldown": "scaling.scaleDownCooldown",
	"scaling-policy":      "scaling.policyFile",
	"tick-interval":       "loop.tickInterval",
	"probe-timeout":       "loop.probeTimeout",
	"staleness-window":    "metric.stalenessWindow",
	"rollout-strategy":    "rollout.strategy",
	"max-surge":           "rollout.maxSurge",
	"max-unavailable":     "rollout.maxUnavailable",
	"startup-deadline":    "rollout.startupDeadline",
	"drain-period":        "rollout.drainPeriod",
	"provisioner":         "provisioner.kind",
	"fleet-api":           "provisioner.endpoint",
	"listen-addr":         "server.addr",
	"log-level":           "log.level",
}

// AddFlags registers the command-line overrides on fs. Flag defaults are
// informational only; unset flags never override file or environment values.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML configuration file")
	fs.String("service-name", "web", "name of the managed service")
	fs.String("image", "", "image new replicas are created from")
	fs.Float64("target-utilization", 0.7, "target utilization ratio per replica")
	fs.Int("min-replicas", 1, "minimum number of replicas")
	fs.Int("max-replicas", 10, "maximum number of replicas")
	fs.Duration("scale-down-cooldown", 5*time.Minute, "how long a lower count must be indicated before scaling down")
	fs.String("scaling-policy", "", "path to a YAML scaling policy override")
	fs.Duration("tick-interval", 5*time.Second, "reconciliation tick interval")
	fs.Duration("probe-timeout", 2*time.Second, "timeout of a single replica probe")
	fs.Duration("staleness-window", 30*time.Second, "samples older than this are excluded")
	fs.String("rollout-strategy", StrategyRolling, "rollout strategy: rolling or immediate")
	fs.Int("max-surge", 1, "replicas allowed above desired during a rollout")
	fs.Int("max-unavailable", 1, "replicas allowed below desired during a rollout")
	fs.Duration("startup-deadline", 2*time.Minute, "time a replica has to become ready")
	fs.Duration("drain-period", 30*time.Second, "grace period before a removed replica is terminated")
	fs.String("provisioner", ProvisionerFleetAPI, "provisioner backend: fleetapi or kubernetes")
	fs.String("fleet-api", "", "base URL of the fleet API")
	fs.String("listen-addr", ":8080", "address of the control surface")
	fs.String("log-level", "info", "log level: error, info, debug, trace")
}

// Load resolves configuration from defaults, an optional YAML file, FLEET_* environment
// variables and any flags explicitly set on fs, then validates it.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading config file %s: %w", f.Value.String(), err)
			}
		}
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("binding flag %s: %w", name, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if cfg.Scaling.PolicyFile != "" {
		policy, err := LoadScalingPolicyFile(cfg.Scaling.PolicyFile)
		if err != nil {
			return nil, err
		}
		policy.ApplyTo(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RestartRequired lists the sections that differ between c and next and are
// only read at startup. The scaling section and service.image apply live.
func (c *Config) RestartRequired(next *Config) []string {
	var changed []string
	diff := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			changed = append(changed, name)
		}
	}
	svc, nextSvc := c.Service, next.Service
	svc.Image, nextSvc.Image = "", ""
	diff("service", svc, nextSvc)
	diff("metric", c.Metric, next.Metric)
	diff("loop", c.Loop, next.Loop)
	diff("rollout", c.Rollout, next.Rollout)
	diff("provisioner", c.Provisioner, next.Provisioner)
	diff("server", c.Server, next.Server)
	diff("log", c.Log, next.Log)
	return changed
}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate rejects misconfiguration. It is the only startup failure of the controller.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Service.Name != "", "service.name must not be empty")
	check(c.Service.Port > 0 && c.Service.Port < 65536, "service.port must be in 1-65535, got %d", c.Service.Port)

	s := c.Scaling
	check(s.TargetUtilization > 0, "scaling.targetUtilization must be > 0, got %.2f", s.TargetUtilization)
	check(s.MinReplicas >= 0, "scaling.minReplicas must be >= 0, got %d", s.MinReplicas)
	check(s.MaxReplicas >= 1, "scaling.maxReplicas must be >= 1, got %d", s.MaxReplicas)
	check(s.MinReplicas <= s.MaxReplicas, "scaling.minReplicas (%d) must be <= scaling.maxReplicas (%d)", s.MinReplicas, s.MaxReplicas)
	check(s.ScaleDownCooldown >= 0, "scaling.scaleDownCooldown must be >= 0, got %s", s.ScaleDownCooldown)
	check(s.Tolerance >= 0 && s.Tolerance < 1, "scaling.tolerance must be in [0, 1), got %.2f", s.Tolerance)
	check(s.Basis == BasisActual || s.Basis == BasisSampled, "scaling.basis must be %q or %q, got %q", BasisActual, BasisSampled, s.Basis)

	m := c.Metric
	check(m.Kind.IsValid(), "metric.kind %q is not supported", m.Kind)
	check(m.Format == FormatAuto || m.Format == FormatJSON || m.Format == FormatPrometheus, "metric.format %q is not supported", m.Format)
	check(m.Field != "", "metric.field must not be empty")
	check(m.TargetPerReplica > 0, "metric.targetPerReplica must be > 0, got %.2f", m.TargetPerReplica)
	check(m.StalenessWindow > 0, "metric.stalenessWindow must be > 0, got %s", m.StalenessWindow)

	l := c.Loop
	check(l.TickInterval > 0, "loop.tickInterval must be > 0, got %s", l.TickInterval)
	check(l.ProbeTimeout > 0, "loop.probeTimeout must be > 0, got %s", l.ProbeTimeout)
	check(l.ProbeParallelism > 0, "loop.probeParallelism must be > 0, got %d", l.ProbeParallelism)
	check(l.TickOverhead >= 0, "loop.tickOverhead must be >= 0, got %s", l.TickOverhead)

	r := c.Rollout
	check(r.Strategy == StrategyRolling || r.Strategy == StrategyImmediate, "rollout.strategy %q is not supported", r.Strategy)
	check(r.MaxSurge >= 0, "rollout.maxSurge must be >= 0, got %d", r.MaxSurge)
	check(r.MaxUnavailable >= 0, "rollout.maxUnavailable must be >= 0, got %d", r.MaxUnavailable)
	check(r.MaxSurge > 0 || r.MaxUnavailable > 0, "rollout.maxSurge and rollout.maxUnavailable must not both be 0")
	check(r.StartupDeadline > 0, "rollout.startupDeadline must be > 0, got %s", r.StartupDeadline)
	check(r.DrainPeriod >= 0, "rollout.drainPeriod must be >= 0, got %s", r.DrainPeriod)

	p := c.Provisioner
	switch p.Kind {
	case ProvisionerFleetAPI:
		check(p.Endpoint != "", "provisioner.endpoint is required for the %s provisioner", ProvisionerFleetAPI)
	case ProvisionerKubernetes:
		check(p.Namespace != "", "provisioner.namespace is required for the %s provisioner", ProvisionerKubernetes)
		check(p.HeadlessService != "", "provisioner.headlessService is required for the %s provisioner", ProvisionerKubernetes)
		check(c.Service.Image != "", "service.image is required for the %s provisioner", ProvisionerKubernetes)
	default:
		errs = append(errs, fmt.Errorf("provisioner.kind %q is not supported", p.Kind))
	}
	check(p.QPS > 0, "provisioner.qps must be > 0, got %.2f", p.QPS)
	check(p.Burst > 0, "provisioner.burst must be > 0, got %d", p.Burst)
	check(p.BackoffInitial > 0 && p.BackoffMax >= p.BackoffInitial,
		"provisioner backoff must satisfy 0 < backoffInitial <= backoffMax, got %s/%s", p.BackoffInitial, p.BackoffMax)

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}
