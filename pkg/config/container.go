package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ContainerPolicy configures per-project development containers.
type ContainerPolicy struct {
	Image           string        `yaml:"image"`
	WorkspacePath   string        `yaml:"workspace_path"`
	CPUShares       int64         `yaml:"cpu_shares"`
	MemoryBytes     int64         `yaml:"memory_bytes"`
	PortRangeBase   int           `yaml:"port_range_base"`
	PortRangeWidth  int           `yaml:"port_range_width"`
	PortRangeMax    int           `yaml:"port_range_max"`
	ContainerPort   int           `yaml:"container_port"`
	MaxPerUser      int           `yaml:"max_per_user"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	StartTimeout    time.Duration `yaml:"start_timeout"`
	StopGracePeriod time.Duration `yaml:"stop_grace_period"`
}

var errInvalidPolicy = errors.New("config: invalid container policy")

// LoadPolicyFile reads a YAML container policy and lays it over base. Fields
// absent from the document keep their base value.
func LoadPolicyFile(path string, base ContainerPolicy) (ContainerPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read container policy: %w", err)
	}
	return ParsePolicy(data, base)
}

// ParsePolicy decodes a YAML container policy over base and validates it.
func ParsePolicy(data []byte, base ContainerPolicy) (ContainerPolicy, error) {
	policy := base
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return base, fmt.Errorf("decode container policy: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return base, err
	}
	return policy, nil
}

// Validate reports whether the policy can drive the lifecycle manager.
func (p ContainerPolicy) Validate() error {
	switch {
	case p.Image == "":
		return fmt.Errorf("%w: image is required", errInvalidPolicy)
	case p.PortRangeWidth <= 0:
		return fmt.Errorf("%w: port_range_width must be positive", errInvalidPolicy)
	case p.PortRangeBase <= 0 || p.PortRangeBase > 65535:
		return fmt.Errorf("%w: port_range_base out of range", errInvalidPolicy)
	case p.PortRangeMax < p.PortRangeBase+p.PortRangeWidth-1 || p.PortRangeMax > 65535:
		return fmt.Errorf("%w: port_range_max must fit at least one range", errInvalidPolicy)
	case p.MaxPerUser <= 0:
		return fmt.Errorf("%w: max_per_user must be positive", errInvalidPolicy)
	}
	return nil
}
