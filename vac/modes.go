package vac

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/virtac-project/virtac/vac/ca"
)

// ModePV is the live machine's operating-mode PV, the last fallback when no
// mode is given explicitly.
const ModePV = "SR-CS-RING-01:MODE"

// RingModeEnv is the environment variable consulted when no mode argument is
// passed.
const RingModeEnv = "RINGMODE"

// ModeInfo describes one operating mode of the ring.
type ModeInfo struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Symmetry    int    `yaml:"symmetry"`
	Linopt      string `yaml:"linopt_function,omitempty"`
}

// ModeRegistry is the modes.yaml registry of configuration data sets.
type ModeRegistry struct {
	Default string     `yaml:"default"`
	Modes   []ModeInfo `yaml:"modes"`
}

// LoadModeRegistry reads modes.yaml.
func LoadModeRegistry(path string) (*ModeRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mode registry: %w", err)
	}
	var reg ModeRegistry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parsing mode registry: %w", err)
	}
	if reg.Default == "" {
		return nil, fmt.Errorf("mode registry %s has no default mode", path)
	}
	return &reg, nil
}

// Lookup finds a mode by name.
func (r *ModeRegistry) Lookup(name string) (ModeInfo, bool) {
	for _, m := range r.Modes {
		if m.Name == name {
			return m, true
		}
	}
	return ModeInfo{}, false
}

// Names lists the registered mode names.
func (r *ModeRegistry) Names() []string {
	names := make([]string, len(r.Modes))
	for i, m := range r.Modes {
		names[i] = m.Name
	}
	return names
}

// ResolveMode determines the operating mode: explicit argument, then the
// RINGMODE environment variable, then the live machine's mode PV, then the
// registry default. The result is validated against the registry.
func ResolveMode(arg string, client ca.Client, reg *ModeRegistry) (ModeInfo, error) {
	mode := arg
	if mode == "" {
		mode = os.Getenv(RingModeEnv)
	}
	if mode == "" && client != nil {
		if live, err := client.GetString(ModePV); err == nil {
			logrus.Warnf("ring mode not specified, using value stored in %s as the default: %s", ModePV, live)
			mode = live
		}
	}
	if mode == "" {
		mode = reg.Default
		logrus.Warnf("ring mode not specified, using default: %s", mode)
	}
	info, ok := reg.Lookup(mode)
	if !ok {
		return ModeInfo{}, fmt.Errorf("unknown ring mode %q, available modes: %v", mode, reg.Names())
	}
	return info, nil
}
