// Package config - sandbox_config.go defines per-vendor container settings.
//
// Some accelerators are not exposed to containers through a Docker device
// request but through device nodes, extra groups and relaxed security
// options. Those requirements are declared under a vendor's sandbox field in
// the device table so new vendors need no code changes.
package config

import (
	"fmt"
	"sort"
	"strings"
)

// SandboxConfig describes how a vendor's GPUs are exposed to a container.
//
// Example YAML (in devices.yaml):
//
//	vendors:
//	  - vendor_name: AMD
//	    vendor_id: "0x1002"
//	    sandbox:
//	      devices:
//	        - /dev/kfd
//	        - /dev/dri
//	      group_add:
//	        - video
//	      security_opt:
//	        - seccomp=unconfined
//	      shm_size_gb: 16
type SandboxConfig struct {
	// Devices lists device nodes to map into the container, as "host" or
	// "host:container". When set, no Docker device request is made.
	Devices []string `yaml:"devices,omitempty"`

	// Volumes lists extra bind mounts in "host:container" format. A path
	// without a colon is mounted at the same location.
	Volumes []string `yaml:"volumes,omitempty"`

	// Environment contains static variables set in the container.
	Environment map[string]string `yaml:"environment,omitempty"`

	// GroupAdd lists supplementary groups for the worker user.
	GroupAdd []string `yaml:"group_add,omitempty"`

	// SecurityOpt lists Docker security options.
	SecurityOpt []string `yaml:"security_opt,omitempty"`

	// Capabilities lists Linux capabilities added to the container.
	Capabilities []string `yaml:"capabilities,omitempty"`

	// ShmSizeGB is the shared memory size. Zero keeps the runner default.
	ShmSizeGB int `yaml:"shm_size_gb,omitempty"`
}

// UsesDeviceNodes reports whether GPUs are exposed through device nodes.
func (c *SandboxConfig) UsesDeviceNodes() bool {
	return c != nil && len(c.Devices) > 0
}

// EnvList returns Environment as sorted KEY=VALUE entries.
func (c *SandboxConfig) EnvList() []string {
	if c == nil {
		return nil
	}
	env := make([]string, 0, len(c.Environment))
	for k, v := range c.Environment {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// SplitMapping splits a "host:container" mapping. A path without a colon
// maps to itself.
func SplitMapping(mapping string) (string, string) {
	host, inner, ok := strings.Cut(mapping, ":")
	if !ok {
		return mapping, mapping
	}
	return host, inner
}

// validate checks the sandbox paths and sizes.
func (c *SandboxConfig) validate() error {
	for _, list := range [][]string{c.Devices, c.Volumes} {
		for _, m := range list {
			host, inner := SplitMapping(m)
			if !strings.HasPrefix(host, "/") || !strings.HasPrefix(inner, "/") {
				return fmt.Errorf("mapping %q must use absolute paths", m)
			}
		}
	}
	if c.ShmSizeGB < 0 {
		return fmt.Errorf("shm_size_gb must not be negative, got %d", c.ShmSizeGB)
	}
	return nil
}
