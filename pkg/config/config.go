package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/porthole-hpc/porthole/pkg/types"
)

// Duration wraps time.Duration so YAML values like "30m" parse. Bare
// integers are seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dd)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full deployment configuration, loaded once at startup.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	StateDir   string `yaml:"state_dir"`
	// KeyDir holds per-user private keys, one file per user.
	KeyDir string `yaml:"key_dir"`
	// ExternalHost is the public hostname the control plane is reached on;
	// the RStudio rewriter strips absolute redirects pointing at it.
	ExternalHost string `yaml:"external_host"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	Clusters map[string]ClusterConfig `yaml:"clusters"`
	IDEs     map[types.IDE]IDEConfig  `yaml:"ides"`

	// IdleThreshold of 0 disables the idle reaper.
	IdleThreshold Duration `yaml:"idle_threshold"`
	// Retention controls how long terminal sessions stay on disk.
	Retention Duration `yaml:"retention"`
	// RevokeOnLogout ends all running sessions when the user logs out.
	RevokeOnLogout *bool `yaml:"revoke_on_logout"`

	// AuthHeader names the trusted header carrying the authenticated user,
	// set by the SSO layer in front of porthole.
	AuthHeader string `yaml:"auth_header"`
}

// ClusterConfig describes one batch cluster porthole can submit to.
type ClusterConfig struct {
	// HeadNode is the DNS name commands and tunnels go through.
	HeadNode string `yaml:"head_node"`
	// SSHUserSuffix is appended to the porthole username to form the
	// cluster-side account name, if the two differ.
	SSHUserSuffix string `yaml:"ssh_user_suffix"`
	// Partition is passed to the scheduler on submit when set.
	Partition string `yaml:"partition"`
	// Images maps release version -> container image path on the cluster's
	// shared filesystem.
	Images map[string]string `yaml:"images"`
	// DefaultRelease is used when a launch request names no release.
	DefaultRelease string `yaml:"default_release"`
	// Binds lists host paths bind-mounted into every IDE container.
	Binds []string `yaml:"binds"`
	// LibraryRoot is the shared tree holding per-release R/Python library
	// directories, mounted alongside the container image.
	LibraryRoot string `yaml:"library_root"`
	// MaxRemoteSessions bounds simultaneous SSH command sessions.
	MaxRemoteSessions int `yaml:"max_remote_sessions"`
}

// IDEConfig describes one IDE variant known to this build.
type IDEConfig struct {
	// DefaultPort is the port-finder scan start and the fallback when the
	// port file cannot be read.
	DefaultPort int `yaml:"default_port"`
	// BasePath is the proxy path prefix, e.g. "/rstudio".
	BasePath string `yaml:"base_path"`
	// JobName is the scheduler job name stem; the submitting user is
	// appended ("rstudio-alice") so queue reads can filter by name.
	JobName string `yaml:"job_name"`
}

// Default returns the built-in configuration, before any file overrides.
func Default() *Config {
	revoke := true
	return &Config{
		ListenAddr:     ":8090",
		StateDir:       "/var/lib/porthole",
		KeyDir:         "/etc/porthole/keys",
		LogLevel:       "info",
		IdleThreshold:  0,
		Retention:      Duration(30 * 24 * time.Hour),
		RevokeOnLogout: &revoke,
		AuthHeader:     "X-Remote-User",
		IDEs: map[types.IDE]IDEConfig{
			types.IDECode:    {DefaultPort: 8000, BasePath: "/code", JobName: "code"},
			types.IDERStudio: {DefaultPort: 8787, BasePath: "/rstudio", JobName: "rstudio"},
			types.IDEJupyter: {DefaultPort: 8888, BasePath: "/jupyter", JobName: "jupyter"},
		},
	}
}

// Load reads the YAML file at path over the defaults and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration is complete enough to start. Startup is
// fail-fast: an invalid config exits the process rather than degrading.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if len(c.Clusters) == 0 {
		return fmt.Errorf("at least one cluster must be configured")
	}
	for name, cc := range c.Clusters {
		if cc.HeadNode == "" {
			return fmt.Errorf("cluster %s: head_node is required", name)
		}
		if len(cc.Images) == 0 {
			return fmt.Errorf("cluster %s: at least one release image is required", name)
		}
		if cc.DefaultRelease != "" {
			if _, ok := cc.Images[cc.DefaultRelease]; !ok {
				return fmt.Errorf("cluster %s: default_release %q has no image", name, cc.DefaultRelease)
			}
		}
	}
	for ide, ic := range c.IDEs {
		if !ide.Valid() {
			return fmt.Errorf("unknown ide %q", ide)
		}
		if ic.DefaultPort <= 0 || ic.DefaultPort > 65535 {
			return fmt.Errorf("ide %s: invalid default_port %d", ide, ic.DefaultPort)
		}
		if ic.BasePath == "" || ic.BasePath[0] != '/' {
			return fmt.Errorf("ide %s: base_path must start with /", ide)
		}
		if ic.JobName == "" {
			return fmt.Errorf("ide %s: job_name is required", ide)
		}
	}
	if c.Retention <= 0 {
		return fmt.Errorf("retention must be positive")
	}
	return nil
}

// Cluster returns the named cluster config.
func (c *Config) Cluster(name string) (ClusterConfig, error) {
	cc, ok := c.Clusters[name]
	if !ok {
		return ClusterConfig{}, fmt.Errorf("unknown cluster %q", name)
	}
	return cc, nil
}

// IDE returns the named IDE config.
func (c *Config) IDE(ide types.IDE) (IDEConfig, error) {
	ic, ok := c.IDEs[ide]
	if !ok {
		return IDEConfig{}, fmt.Errorf("unknown ide %q", ide)
	}
	return ic, nil
}

// Image resolves the container image for (cluster, release). An empty
// release selects the cluster's default.
func (c *Config) Image(cluster, release string) (string, string, error) {
	cc, err := c.Cluster(cluster)
	if err != nil {
		return "", "", err
	}
	if release == "" {
		release = cc.DefaultRelease
	}
	img, ok := cc.Images[release]
	if !ok {
		return "", "", fmt.Errorf("cluster %s: no image for release %q", cluster, release)
	}
	return img, release, nil
}

// KeyPath returns the private key file for a user.
func (c *Config) KeyPath(user string) string {
	return filepath.Join(c.KeyDir, user)
}

// Revoke reports whether sessions end on logout.
func (c *Config) Revoke() bool {
	return c.RevokeOnLogout == nil || *c.RevokeOnLogout
}
