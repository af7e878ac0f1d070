package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-fleet-autoscaler/internal/logging"
)

// ScalingPolicy is a YAML document that overrides the scaling section at startup.
// Zero-valued fields inherit the loaded configuration.
//
//	targetUtilization: 0.6
//	minReplicas: 2
//	maxReplicas: 12
//	scaleDownCooldown: 10m
//	maxSurge: 2
type ScalingPolicy struct {
	TargetUtilization float64 `yaml:"targetUtilization,omitempty" json:"targetUtilization,omitempty"`
	MinReplicas       *int    `yaml:"minReplicas,omitempty" json:"minReplicas,omitempty"`
	MaxReplicas       int     `yaml:"maxReplicas,omitempty" json:"maxReplicas,omitempty"`

	// ScaleDownCooldown is stored as a duration string (e.g. "5m", "30s").
	ScaleDownCooldown string `yaml:"scaleDownCooldown,omitempty" json:"scaleDownCooldown,omitempty"`

	Tolerance float64 `yaml:"tolerance,omitempty" json:"tolerance,omitempty"`
	Basis     string  `yaml:"basis,omitempty" json:"basis,omitempty"`

	MaxSurge       *int `yaml:"maxSurge,omitempty" json:"maxSurge,omitempty"`
	MaxUnavailable *int `yaml:"maxUnavailable,omitempty" json:"maxUnavailable,omitempty"`
}

// Validate checks the values the document sets.
func (p *ScalingPolicy) Validate() error {
	if p.TargetUtilization < 0 {
		return fmt.Errorf("targetUtilization must be > 0 when set, got %.2f", p.TargetUtilization)
	}
	if p.MinReplicas != nil && *p.MinReplicas < 0 {
		return fmt.Errorf("minReplicas must be >= 0, got %d", *p.MinReplicas)
	}
	if p.MaxReplicas < 0 {
		return fmt.Errorf("maxReplicas must be >= 1 when set, got %d", p.MaxReplicas)
	}
	if p.MinReplicas != nil && p.MaxReplicas != 0 && *p.MinReplicas > p.MaxReplicas {
		return fmt.Errorf("minReplicas (%d) should be <= maxReplicas (%d)", *p.MinReplicas, p.MaxReplicas)
	}
	if p.ScaleDownCooldown != "" {
		if _, err := parseCooldown(p.ScaleDownCooldown); err != nil {
			return fmt.Errorf("invalid scaleDownCooldown: %w", err)
		}
	}
	if p.Basis != "" && p.Basis != BasisActual && p.Basis != BasisSampled {
		return fmt.Errorf("basis must be %q or %q, got %q", BasisActual, BasisSampled, p.Basis)
	}
	if p.MaxSurge != nil && *p.MaxSurge < 0 {
		return fmt.Errorf("maxSurge must be >= 0, got %d", *p.MaxSurge)
	}
	if p.MaxUnavailable != nil && *p.MaxUnavailable < 0 {
		return fmt.Errorf("maxUnavailable must be >= 0, got %d", *p.MaxUnavailable)
	}
	return nil
}

// ParseScalingPolicy decodes and validates a scaling policy document.
func ParseScalingPolicy(data []byte) (*ScalingPolicy, error) {
	var policy ScalingPolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("parsing scaling policy: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scaling policy: %w", err)
	}
	return &policy, nil
}

// LoadScalingPolicyFile reads a scaling policy document from disk.
func LoadScalingPolicyFile(path string) (*ScalingPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scaling policy %s: %w", path, err)
	}
	return ParseScalingPolicy(data)
}

// ApplyTo merges the policy over cfg: values set in the policy win.
func (p *ScalingPolicy) ApplyTo(cfg *Config) {
	if p.TargetUtilization != 0 {
		cfg.Scaling.TargetUtilization = p.TargetUtilization
	}
	if p.MinReplicas != nil {
		cfg.Scaling.MinReplicas = *p.MinReplicas
	}
	if p.MaxReplicas != 0 {
		cfg.Scaling.MaxReplicas = p.MaxReplicas
	}
	if p.ScaleDownCooldown != "" {
		if d, err := parseCooldown(p.ScaleDownCooldown); err == nil {
			cfg.Scaling.ScaleDownCooldown = d
		}
	}
	if p.Tolerance != 0 {
		cfg.Scaling.Tolerance = p.Tolerance
	}
	if p.Basis != "" {
		cfg.Scaling.Basis = p.Basis
	}
	if p.MaxSurge != nil {
		cfg.Rollout.MaxSurge = *p.MaxSurge
	}
	if p.MaxUnavailable != nil {
		cfg.Rollout.MaxUnavailable = *p.MaxUnavailable
	}

	ctrl.Log.V(logging.DEBUG).Info("Applied scaling policy",
		"targetUtilization", cfg.Scaling.TargetUtilization,
		"minReplicas", cfg.Scaling.MinReplicas,
		"maxReplicas", cfg.Scaling.MaxReplicas,
		"scaleDownCooldown", cfg.Scaling.ScaleDownCooldown)
}

func parseCooldown(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must be >= 0, got %s", d)
	}
	return d, nil
}
