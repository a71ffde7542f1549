package sandbox

import (
	"fmt"
	"time"
)

// Execution modes selectable via Config.Mode.
const (
	ModeDocker = "docker"
	ModeLocal  = "local"
	ModeRemote = "remote"
)

// Config controls how sandboxed executions run. Every zero field is
// defaulted, and the security zero value is the locked-down variant: no
// network, read-only root, no privilege escalation, all capabilities
// dropped.
type Config struct {
	Mode           string    `yaml:"mode"`
	TimeoutSeconds int       `yaml:"timeout_seconds"`
	Resources      Resources `yaml:"resources"`
	Network        Network   `yaml:"network"`
	Security       Security  `yaml:"security"`
	Docker         Docker    `yaml:"docker"`
}

// Resources bounds one execution or one session container.
type Resources struct {
	MemoryMB      int `yaml:"memory_mb"`
	CPUMillicores int `yaml:"cpu_millicores"`

	// DiskMB sizes the tmpfs mounts that stand in for writable disk when
	// the root filesystem is read-only.
	DiskMB int `yaml:"disk_mb"`
}

// Network controls sandbox egress. AllowedHosts is carried in the config but
// the docker CLI backend cannot enforce it; enforcement needs an egress
// proxy in front of the sandbox network.
type Network struct {
	Enabled      bool     `yaml:"enabled"`
	AllowedHosts []string `yaml:"allowed_hosts"`
	DNS          []string `yaml:"dns"`
}

// Security toggles are inverted so that the zero value is the hardened
// configuration.
type Security struct {
	WritableRoot             bool `yaml:"writable_root"`
	AllowPrivilegeEscalation bool `yaml:"allow_privilege_escalation"`
	KeepCapabilities         bool `yaml:"keep_capabilities"`
}

// Docker configures the container runtime. WorkspaceVolume optionally mounts
// a host path at ContainerWorkspace in session mode.
type Docker struct {
	Image              string `yaml:"image"`
	SessionEnabled     bool   `yaml:"session_enabled"`
	WorkspaceVolume    string `yaml:"workspace_volume"`
	ContainerWorkspace string `yaml:"container_workspace"`
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeDocker
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 30
	}
	if c.Resources.MemoryMB <= 0 {
		c.Resources.MemoryMB = 512
	}
	if c.Resources.CPUMillicores <= 0 {
		c.Resources.CPUMillicores = 1000
	}
	if c.Resources.DiskMB <= 0 {
		c.Resources.DiskMB = 512
	}
	if c.Docker.Image == "" {
		c.Docker.Image = "python:3.11-slim"
	}
	if c.Docker.ContainerWorkspace == "" {
		c.Docker.ContainerWorkspace = "/workspace"
	}
}

func (c Config) timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// dockerRunArgs renders the resource, network and security sections as
// docker run flags.
func (c Config) dockerRunArgs() []string {
	args := []string{
		"--memory", fmt.Sprintf("%dm", c.Resources.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", c.Resources.MemoryMB), // no swap
		"--cpus", fmt.Sprintf("%.2f", float64(c.Resources.CPUMillicores)/1000),
		"--pids-limit", "128",
	}
	if c.Network.Enabled {
		for _, dns := range c.Network.DNS {
			args = append(args, "--dns", dns)
		}
	} else {
		args = append(args, "--network", "none")
	}
	if !c.Security.WritableRoot {
		args = append(args, "--read-only",
			"--tmpfs", fmt.Sprintf("/tmp:rw,size=%dm", c.Resources.DiskMB))
	}
	if !c.Security.AllowPrivilegeEscalation {
		args = append(args, "--security-opt", "no-new-privileges")
	}
	if !c.Security.KeepCapabilities {
		args = append(args, "--cap-drop", "ALL")
	}
	return args
}
