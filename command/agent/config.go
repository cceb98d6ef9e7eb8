// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-sockaddr/template"
	"github.com/hashicorp/stint/helper/pointer"
	"github.com/hashicorp/stint/stint"
	"github.com/hashicorp/stint/stint/structs"
	"github.com/hashicorp/stint/version"
)

// Config is the configuration for the Stint agent.
type Config struct {
	// NodeName is the name we register as. Defaults to hostname.
	NodeName string `hcl:"name"`

	// LogLevel is the level of the logs to put out
	LogLevel string `hcl:"log_level"`

	// LogJson enables log output in a JSON format
	LogJson bool `hcl:"log_json"`

	// BindAddr is the address on which the agent's HTTP API is bound. It
	// may be a go-sockaddr template.
	BindAddr string `hcl:"bind_addr"`

	// EnableDebug is used to enable debugging HTTP endpoints
	EnableDebug bool `hcl:"enable_debug"`

	// Ports is used to control the network ports we bind to.
	Ports *Ports `hcl:"ports"`

	// Plane configures the control plane roles this node runs.
	Plane *PlaneConfig `hcl:"plane"`

	// Redis configures the connection to the state store.
	Redis *RedisConfig `hcl:"redis"`

	// Blob configures where agent state snapshots live.
	Blob *BlobConfig `hcl:"blob"`

	// Limits configures ingress protection.
	Limits *Limits `hcl:"limits"`

	// Telemetry is used to configure sending telemetry
	Telemetry *Telemetry `hcl:"telemetry"`

	// HTTPAPIResponseHeaders allows users to configure the Stint http
	// agent to set arbitrary custom headers on API responses
	HTTPAPIResponseHeaders map[string]string `hcl:"http_api_response_headers"`

	// DevMode is set by the -dev command line flag. The node runs every
	// role against an embedded in-process redis.
	DevMode bool `hcl:"-"`

	// Version information is set at compile time.
	Version *version.VersionInfo `hcl:"-"`

	// Files is the set of config files that were loaded, recorded for the
	// self endpoint.
	Files []string `hcl:"-"`

	// normalizedAddr is the resolved host:port set by normalizeAddrs.
	normalizedAddr string
}

// Ports encapsulates the ports we bind to.
type Ports struct {
	HTTP int `hcl:"http"`
}

// PlaneConfig holds the control plane tunables. Duration fields arrive as
// HCL strings and are converted by the parser.
type PlaneConfig struct {
	// Workers is how many concurrent claim loops this node runs. Zero
	// makes an API-only node.
	Workers *int `hcl:"workers"`

	LeaseTTL    time.Duration
	LeaseTTLHCL string `hcl:"lease_ttl" json:"-"`

	RenewEvery    time.Duration
	RenewEveryHCL string `hcl:"renew_every" json:"-"`

	DelayOnNoCredits    time.Duration
	DelayOnNoCreditsHCL string `hcl:"delay_on_no_credits" json:"-"`

	ExecTimeout    time.Duration
	ExecTimeoutHCL string `hcl:"exec_timeout" json:"-"`

	IdempotencyTTL    time.Duration
	IdempotencyTTLHCL string `hcl:"idempotency_ttl" json:"-"`

	StreamBlock    time.Duration
	StreamBlockHCL string `hcl:"stream_block" json:"-"`

	// LeaseRecovery is the credit policy applied when a claim demotes a
	// RUNNING job whose lease expired: "refund" or "forfeit".
	LeaseRecovery string `hcl:"lease_recovery"`

	// DelayScheduler and Reaper configure the housekeeping roles.
	DelayScheduler *DelaySchedulerConfig `hcl:"delay_scheduler"`
	Reaper         *ReaperConfig         `hcl:"reaper"`
}

// DelaySchedulerConfig shapes the loop that releases parked jobs.
type DelaySchedulerConfig struct {
	Enabled *bool `hcl:"enabled"`
	Batch   int   `hcl:"batch"`

	Block    time.Duration `hcl:"-"`
	BlockHCL string        `hcl:"block" json:"-"`
}

// ReaperConfig shapes the loop that rescues stranded work entries.
type ReaperConfig struct {
	Enabled *bool `hcl:"enabled"`
	Batch   int   `hcl:"batch"`

	MinIdle    time.Duration
	MinIdleHCL string `hcl:"min_idle" json:"-"`

	Interval    time.Duration `hcl:"-"`
	IntervalHCL string        `hcl:"interval" json:"-"`
}

// RedisConfig is the connection to the state store.
type RedisConfig struct {
	Address  string `hcl:"address"`
	Username string `hcl:"username"`
	Password string `hcl:"password"`
	DB       int    `hcl:"db"`
}

// BlobConfig selects the snapshot store backend.
type BlobConfig struct {
	// Backend is "memory" or "s3".
	Backend string `hcl:"backend"`

	// CacheSize is the number of snapshots the read-through cache holds.
	// Zero disables caching.
	CacheSize int `hcl:"cache_size"`

	S3 *S3Config `hcl:"s3"`
}

// S3Config locates the snapshot bucket.
type S3Config struct {
	Bucket string `hcl:"bucket"`
	Region string `hcl:"region"`
}

// Limits configures ingress protection.
type Limits struct {
	// JobSubmitRate is the per-tenant budget of submissions per minute.
	// Nil or zero disables the limit.
	JobSubmitRate *int `hcl:"job_submit_rate"`
}

// Telemetry is the telemetry configuration for the agent.
type Telemetry struct {
	StatsiteAddr      string `hcl:"statsite_address"`
	StatsdAddr        string `hcl:"statsd_address"`
	DisableHostname   bool   `hcl:"disable_hostname"`
	UseNodeName       bool   `hcl:"use_node_name"`
	PrometheusMetrics bool   `hcl:"prometheus_metrics"`

	collectionInterval time.Duration
	CollectionInterval string `hcl:"collection_interval" json:"-"`
}

// DefaultConfig returns a default agent configuration.
func DefaultConfig() *Config {
	name, _ := os.Hostname()
	if name == "" {
		name = "stint"
	}

	base := stint.DefaultConfig()
	return &Config{
		NodeName: name,
		LogLevel: "INFO",
		BindAddr: "127.0.0.1",
		Ports: &Ports{
			HTTP: 4747,
		},
		Plane: &PlaneConfig{
			LeaseTTL:         base.LeaseTTL,
			RenewEvery:       base.RenewInterval,
			DelayOnNoCredits: base.CreditRetryDelay,
			ExecTimeout:      base.ExecTimeout,
			IdempotencyTTL:   base.IdempotencyTTL,
			StreamBlock:      base.DequeueBlock,
			LeaseRecovery:    base.LeaseRecovery,
			DelayScheduler: &DelaySchedulerConfig{
				Batch: int(base.DelayBatch),
				Block: base.DelayBlock,
			},
			Reaper: &ReaperConfig{
				Batch:    int(base.ReapBatch),
				MinIdle:  base.ReapMinIdle,
				Interval: base.ReapInterval,
			},
		},
		Redis: &RedisConfig{
			Address: "127.0.0.1:6379",
		},
		Blob: &BlobConfig{
			Backend: "memory",
			S3:      &S3Config{},
		},
		Limits:    &Limits{},
		Telemetry: &Telemetry{collectionInterval: 1 * time.Second},
		Version:   version.GetVersion(),
	}
}

// DevConfig returns a configuration for a development node: every role
// enabled against an embedded redis, verbose logs, and a small worker pool.
func DevConfig() *Config {
	conf := DefaultConfig()
	conf.DevMode = true
	conf.LogLevel = "DEBUG"
	conf.Plane.Workers = pointer.Of(min(4, runtime.NumCPU()))

	// the embedded redis is wired up by the agent
	conf.Redis.Address = ""
	return conf
}

// StintConfig converts the agent configuration into the control plane
// package's Config. The logger and executor are filled in by the agent.
func (c *Config) StintConfig() *stint.Config {
	conf := stint.DefaultConfig()

	p := c.Plane
	if p == nil {
		return conf
	}
	if p.Workers != nil {
		conf.WorkerCount = *p.Workers
	}
	if p.LeaseTTL != 0 {
		conf.LeaseTTL = p.LeaseTTL
	}
	if p.RenewEvery != 0 {
		conf.RenewInterval = p.RenewEvery
	}
	if p.DelayOnNoCredits != 0 {
		conf.CreditRetryDelay = p.DelayOnNoCredits
	}
	if p.ExecTimeout != 0 {
		conf.ExecTimeout = p.ExecTimeout
	}
	if p.IdempotencyTTL != 0 {
		conf.IdempotencyTTL = p.IdempotencyTTL
	}
	if p.StreamBlock != 0 {
		conf.DequeueBlock = p.StreamBlock
	}
	if p.LeaseRecovery != "" {
		conf.LeaseRecovery = p.LeaseRecovery
	}
	if ds := p.DelayScheduler; ds != nil {
		if ds.Enabled != nil {
			conf.EnableDelayScheduler = *ds.Enabled
		}
		if ds.Batch > 0 {
			conf.DelayBatch = int64(ds.Batch)
		}
		if ds.Block != 0 {
			conf.DelayBlock = ds.Block
		}
	}
	if r := p.Reaper; r != nil {
		if r.Enabled != nil {
			conf.EnableReaper = *r.Enabled
		}
		if r.Batch > 0 {
			conf.ReapBatch = int64(r.Batch)
		}
		if r.MinIdle != 0 {
			conf.ReapMinIdle = r.MinIdle
		}
		if r.Interval != 0 {
			conf.ReapInterval = r.Interval
		}
	}
	return conf
}

// Merge merges two configurations, with values from b taking precedence.
func (c *Config) Merge(b *Config) *Config {
	result := *c

	if b.NodeName != "" {
		result.NodeName = b.NodeName
	}
	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if b.LogJson {
		result.LogJson = true
	}
	if b.BindAddr != "" {
		result.BindAddr = b.BindAddr
	}
	if b.EnableDebug {
		result.EnableDebug = true
	}
	if b.DevMode {
		result.DevMode = true
	}

	if result.Ports == nil && b.Ports != nil {
		ports := *b.Ports
		result.Ports = &ports
	} else if b.Ports != nil {
		result.Ports = result.Ports.Merge(b.Ports)
	}

	if result.Plane == nil && b.Plane != nil {
		plane := *b.Plane
		result.Plane = &plane
	} else if b.Plane != nil {
		result.Plane = result.Plane.Merge(b.Plane)
	}

	if result.Redis == nil && b.Redis != nil {
		redis := *b.Redis
		result.Redis = &redis
	} else if b.Redis != nil {
		result.Redis = result.Redis.Merge(b.Redis)
	}

	if result.Blob == nil && b.Blob != nil {
		blob := *b.Blob
		result.Blob = &blob
	} else if b.Blob != nil {
		result.Blob = result.Blob.Merge(b.Blob)
	}

	if result.Limits == nil && b.Limits != nil {
		limits := *b.Limits
		result.Limits = &limits
	} else if b.Limits != nil {
		result.Limits = result.Limits.Merge(b.Limits)
	}

	if result.Telemetry == nil && b.Telemetry != nil {
		telemetry := *b.Telemetry
		result.Telemetry = &telemetry
	} else if b.Telemetry != nil {
		result.Telemetry = result.Telemetry.Merge(b.Telemetry)
	}

	if result.HTTPAPIResponseHeaders == nil {
		result.HTTPAPIResponseHeaders = make(map[string]string)
	}
	for k, v := range b.HTTPAPIResponseHeaders {
		result.HTTPAPIResponseHeaders[k] = v
	}

	result.Files = append(result.Files, b.Files...)

	return &result
}

// Merge is used to merge two port configurations.
func (p *Ports) Merge(b *Ports) *Ports {
	result := *p
	if b.HTTP != 0 {
		result.HTTP = b.HTTP
	}
	return &result
}

// Merge is used to merge two plane configurations.
func (p *PlaneConfig) Merge(b *PlaneConfig) *PlaneConfig {
	result := *p

	result.Workers = pointer.Merge(result.Workers, b.Workers)
	if b.LeaseTTL != 0 {
		result.LeaseTTL = b.LeaseTTL
	}
	if b.RenewEvery != 0 {
		result.RenewEvery = b.RenewEvery
	}
	if b.DelayOnNoCredits != 0 {
		result.DelayOnNoCredits = b.DelayOnNoCredits
	}
	if b.ExecTimeout != 0 {
		result.ExecTimeout = b.ExecTimeout
	}
	if b.IdempotencyTTL != 0 {
		result.IdempotencyTTL = b.IdempotencyTTL
	}
	if b.StreamBlock != 0 {
		result.StreamBlock = b.StreamBlock
	}
	if b.LeaseRecovery != "" {
		result.LeaseRecovery = b.LeaseRecovery
	}

	if result.DelayScheduler == nil && b.DelayScheduler != nil {
		ds := *b.DelayScheduler
		result.DelayScheduler = &ds
	} else if b.DelayScheduler != nil {
		result.DelayScheduler = result.DelayScheduler.Merge(b.DelayScheduler)
	}

	if result.Reaper == nil && b.Reaper != nil {
		r := *b.Reaper
		result.Reaper = &r
	} else if b.Reaper != nil {
		result.Reaper = result.Reaper.Merge(b.Reaper)
	}

	return &result
}

// Merge is used to merge two delay scheduler configurations.
func (d *DelaySchedulerConfig) Merge(b *DelaySchedulerConfig) *DelaySchedulerConfig {
	result := *d
	result.Enabled = pointer.Merge(result.Enabled, b.Enabled)
	if b.Batch != 0 {
		result.Batch = b.Batch
	}
	if b.Block != 0 {
		result.Block = b.Block
	}
	return &result
}

// Merge is used to merge two reaper configurations.
func (r *ReaperConfig) Merge(b *ReaperConfig) *ReaperConfig {
	result := *r
	result.Enabled = pointer.Merge(result.Enabled, b.Enabled)
	if b.Batch != 0 {
		result.Batch = b.Batch
	}
	if b.MinIdle != 0 {
		result.MinIdle = b.MinIdle
	}
	if b.Interval != 0 {
		result.Interval = b.Interval
	}
	return &result
}

// Merge is used to merge two redis configurations.
func (r *RedisConfig) Merge(b *RedisConfig) *RedisConfig {
	result := *r
	if b.Address != "" {
		result.Address = b.Address
	}
	if b.Username != "" {
		result.Username = b.Username
	}
	if b.Password != "" {
		result.Password = b.Password
	}
	if b.DB != 0 {
		result.DB = b.DB
	}
	return &result
}

// Merge is used to merge two blob configurations.
func (bc *BlobConfig) Merge(b *BlobConfig) *BlobConfig {
	result := *bc
	if b.Backend != "" {
		result.Backend = b.Backend
	}
	if b.CacheSize != 0 {
		result.CacheSize = b.CacheSize
	}
	if result.S3 == nil && b.S3 != nil {
		s3 := *b.S3
		result.S3 = &s3
	} else if b.S3 != nil {
		result.S3 = result.S3.Merge(b.S3)
	}
	return &result
}

// Merge is used to merge two s3 configurations.
func (s *S3Config) Merge(b *S3Config) *S3Config {
	result := *s
	if b.Bucket != "" {
		result.Bucket = b.Bucket
	}
	if b.Region != "" {
		result.Region = b.Region
	}
	return &result
}

// Merge is used to merge two limits configurations.
func (l *Limits) Merge(b *Limits) *Limits {
	result := *l
	result.JobSubmitRate = pointer.Merge(result.JobSubmitRate, b.JobSubmitRate)
	return &result
}

// Merge is used to merge two telemetry configurations.
func (t *Telemetry) Merge(b *Telemetry) *Telemetry {
	result := *t
	if b.StatsiteAddr != "" {
		result.StatsiteAddr = b.StatsiteAddr
	}
	if b.StatsdAddr != "" {
		result.StatsdAddr = b.StatsdAddr
	}
	if b.DisableHostname {
		result.DisableHostname = true
	}
	if b.UseNodeName {
		result.UseNodeName = true
	}
	if b.PrometheusMetrics {
		result.PrometheusMetrics = true
	}
	if b.CollectionInterval != "" {
		result.CollectionInterval = b.CollectionInterval
	}
	if b.collectionInterval != 0 {
		result.collectionInterval = b.collectionInterval
	}
	return &result
}

// Validate checks the agent-level configuration. The control plane package
// validates the plane tunables when the server starts.
func (c *Config) Validate() error {
	var mErr multierror.Error

	if c.Ports == nil || c.Ports.HTTP <= 0 || c.Ports.HTTP > 65535 {
		mErr.Errors = append(mErr.Errors, errors.New("http port must be within [1, 65535]"))
	}
	if !c.DevMode && (c.Redis == nil || c.Redis.Address == "") {
		mErr.Errors = append(mErr.Errors, errors.New("redis address is required"))
	}
	if c.Plane != nil && c.Plane.LeaseRecovery != "" {
		switch c.Plane.LeaseRecovery {
		case structs.RecoveryRefund, structs.RecoveryForfeit:
		default:
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("lease_recovery must be %q or %q, got %q",
					structs.RecoveryRefund, structs.RecoveryForfeit, c.Plane.LeaseRecovery))
		}
	}
	if p := c.Plane; p != nil && (p.LeaseTTL != 0 || p.RenewEvery != 0) {
		base := stint.DefaultConfig()
		lease, renew := base.LeaseTTL, base.RenewInterval
		if p.LeaseTTL != 0 {
			lease = p.LeaseTTL
		}
		if p.RenewEvery != 0 {
			renew = p.RenewEvery
		}
		// a renewal cadence above half the lease leaves no room for a
		// missed heartbeat
		if renew <= 0 || renew >= lease/2 {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("renew_every %s must be positive and below half of lease_ttl %s", renew, lease))
		}
	}
	if b := c.Blob; b != nil {
		switch b.Backend {
		case "", "memory":
		case "s3":
			if b.S3 == nil || b.S3.Bucket == "" {
				mErr.Errors = append(mErr.Errors, errors.New("blob backend s3 requires a bucket"))
			}
		default:
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("blob backend must be \"memory\" or \"s3\", got %q", b.Backend))
		}
		if b.CacheSize < 0 {
			mErr.Errors = append(mErr.Errors, errors.New("blob cache_size must not be negative"))
		}
	}
	if l := c.Limits; l != nil && l.JobSubmitRate != nil && *l.JobSubmitRate < 0 {
		mErr.Errors = append(mErr.Errors, errors.New("job_submit_rate must not be negative"))
	}

	return mErr.ErrorOrNil()
}

// Sanitized returns a copy of the configuration as a map with secrets
// redacted, for the agent self endpoint.
func (c *Config) Sanitized() map[string]interface{} {
	redacted := "<redacted>"

	copied := *c
	if c.Redis != nil {
		redis := *c.Redis
		if redis.Password != "" {
			redis.Password = redacted
		}
		copied.Redis = &redis
	}

	out := map[string]interface{}{}
	raw, err := json.Marshal(&copied)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

// normalizeAddrs resolves the bind address template and records the
// host:port the HTTP server should listen on.
func (c *Config) normalizeAddrs() error {
	if c.BindAddr != "" {
		ipStr, err := parseSingleIPTemplate(c.BindAddr)
		if err != nil {
			return fmt.Errorf("bind address resolution failed: %v", err)
		}
		c.BindAddr = ipStr
	}

	c.normalizedAddr = net.JoinHostPort(c.BindAddr, strconv.Itoa(c.Ports.HTTP))
	return nil
}

// parseSingleIPTemplate is used as a helper function to parse out a single IP
// address from a config parameter.
func parseSingleIPTemplate(ipTmpl string) (string, error) {
	out, err := template.Parse(ipTmpl)
	if err != nil {
		return "", fmt.Errorf("unable to parse address template %q: %v", ipTmpl, err)
	}

	ips := strings.Split(out, " ")
	switch len(ips) {
	case 0:
		return "", errors.New("no addresses found, please configure one")
	case 1:
		return strings.TrimSpace(ips[0]), nil
	default:
		return "", fmt.Errorf("multiple addresses found (%q), please configure one", out)
	}
}

// LoadConfig loads the configuration at the given path, regardless if
// its a file or directory.
func LoadConfig(path string) (*Config, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if fi.IsDir() {
		return LoadConfigDir(path)
	}

	cleaned := filepath.Clean(path)
	config, err := ParseConfigFile(cleaned)
	if err != nil {
		return nil, fmt.Errorf("Error loading %s: %s", cleaned, err)
	}

	config.Files = append(config.Files, cleaned)
	return config, nil
}

// LoadConfigDir loads all the configurations in the given directory
// in alphabetical order.
func LoadConfigDir(dir string) (*Config, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf(
			"configuration path must be a directory: %s", dir)
	}

	var files []string
	err = nil
	for err != io.EOF {
		var fis []os.FileInfo
		fis, err = f.Readdir(128)
		if err != nil && err != io.EOF {
			return nil, err
		}

		for _, fi := range fis {
			// Ignore directories
			if fi.IsDir() {
				continue
			}

			// Only care about files that are valid to load.
			name := fi.Name()
			skip := true
			if strings.HasSuffix(name, ".hcl") {
				skip = false
			} else if strings.HasSuffix(name, ".json") {
				skip = false
			}
			if skip || isTemporaryFile(name) {
				continue
			}

			path := filepath.Join(dir, name)
			files = append(files, path)
		}
	}

	// Fast-path if we have no files
	if len(files) == 0 {
		return &Config{}, nil
	}

	sort.Strings(files)

	var result *Config
	for _, f := range files {
		config, err := ParseConfigFile(f)
		if err != nil {
			return nil, fmt.Errorf("Error loading %s: %s", f, err)
		}
		config.Files = append(config.Files, f)

		if result == nil {
			result = config
		} else {
			result = result.Merge(config)
		}
	}

	return result, nil
}

// isTemporaryFile returns true or false depending on whether the
// provided file name is a temporary file for the following editors:
// emacs or vim.
func isTemporaryFile(name string) bool {
	return strings.HasSuffix(name, "~") || // vim
		strings.HasPrefix(name, ".#") || // emacs
		(strings.HasPrefix(name, "#") && strings.HasSuffix(name, "#")) // emacs
}
