package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete pacmirror configuration.
type Config struct {
	// Destination is the root directory for all mirrored repositories.
	// A positional CLI argument overrides it; it defaults to the current
	// working directory.
	Destination  string       `yaml:"destination"`
	Repositories []Repository `yaml:"repositories"`
	Fetch        Fetch        `yaml:"fetch"`
}

// Repository configures one repository/mirror set to sync.
type Repository struct {
	// Name is the database name, e.g. "msys" for msys.db.
	Name string `yaml:"name"`
	// Path is the subdirectory under Destination holding this
	// repository's tree, e.g. "msys/x86_64".
	Path string `yaml:"path"`
	// DatabaseURLs are mirror base URLs for the database and signature
	// files.
	DatabaseURLs []string `yaml:"database_urls"`
	// PackageURLs are mirror base URLs for package files. Database
	// mirrors are appended as a fallback.
	PackageURLs []string `yaml:"package_urls"`
}

// Fetch tunes download behavior.
type Fetch struct {
	// Workers bounds concurrent package downloads per repository.
	Workers int `yaml:"workers"`
	// Retries is the number of extra download attempts after a network
	// failure.
	Retries int `yaml:"retries"`
	// TimeoutSeconds bounds each HTTP request.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Destination = os.ExpandEnv(c.Destination)
	for i := range c.Repositories {
		r := &c.Repositories[i]
		r.Name = os.ExpandEnv(r.Name)
		r.Path = os.ExpandEnv(r.Path)
		for j, u := range r.DatabaseURLs {
			r.DatabaseURLs[j] = os.ExpandEnv(u)
		}
		for j, u := range r.PackageURLs {
			r.PackageURLs[j] = os.ExpandEnv(u)
		}
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Fetch.Workers == 0 {
		c.Fetch.Workers = 4
	}
	if c.Fetch.Retries == 0 {
		c.Fetch.Retries = 3
	}
	if c.Fetch.TimeoutSeconds == 0 {
		c.Fetch.TimeoutSeconds = 30
	}
	for i := range c.Repositories {
		r := &c.Repositories[i]
		if r.Path == "" {
			r.Path = r.Name
		}
		// package mirrors fall back to the database mirrors
		r.PackageURLs = append(r.PackageURLs, r.DatabaseURLs...)
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if len(c.Repositories) == 0 {
		return fmt.Errorf("at least one repository is required")
	}

	seen := make(map[string]bool)
	for _, r := range c.Repositories {
		if r.Name == "" {
			return fmt.Errorf("repository name is required")
		}
		if len(r.DatabaseURLs) == 0 {
			return fmt.Errorf("repository %s: at least one database_url is required", r.Name)
		}
		if seen[r.Path] {
			return fmt.Errorf("repository %s: destination path %q used twice", r.Name, r.Path)
		}
		seen[r.Path] = true
	}

	if c.Fetch.Workers < 1 {
		return fmt.Errorf("fetch.workers must be at least 1")
	}
	if c.Fetch.Retries < 0 {
		return fmt.Errorf("fetch.retries must not be negative")
	}
	if c.Fetch.TimeoutSeconds < 1 {
		return fmt.Errorf("fetch.timeout_seconds must be at least 1")
	}

	return nil
}

// Timeout returns the per-request timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// DestDir returns the destination directory for a repository.
func (r *Repository) DestDir(root string) string {
	return filepath.Join(root, filepath.FromSlash(r.Path))
}

// DatabaseName returns the base name of the repository database file.
func (r *Repository) DatabaseName() string {
	return r.Name + ".db"
}

// FilesName returns the base name of the companion files database.
func (r *Repository) FilesName() string {
	return r.Name + ".files"
}
