package replicax

import (
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
)

// Config holds the gateway configuration
type Config struct {
	// Regions is the ordered list of backends to replicate across
	Regions []RegionConfig `mapstructure:"regions" yaml:"regions"`

	// WriteQuorum is the default number of backends an upload waits for (0 = all)
	WriteQuorum int `mapstructure:"write_quorum" yaml:"write_quorum" default:"0"`

	// ReadQuorum is the default number of backends a first_k download waits for (0 = all)
	ReadQuorum int `mapstructure:"read_quorum" yaml:"read_quorum" default:"0"`

	// ReadPolicy is the default download policy: "first_k", "verify" or "consensus"
	ReadPolicy string `mapstructure:"read_policy" yaml:"read_policy" default:"first_k"`

	// QuorumTimeout bounds how long upload/download wait for their quorum
	QuorumTimeout time.Duration `mapstructure:"quorum_timeout" yaml:"quorum_timeout" default:"30s"`

	// StragglerTimeout bounds how long backend tasks keep running after the
	// caller was released
	StragglerTimeout time.Duration `mapstructure:"straggler_timeout" yaml:"straggler_timeout" default:"5m"`

	// BucketSeparator joins region namespace and bucket name
	BucketSeparator string `mapstructure:"bucket_separator" yaml:"bucket_separator" default:"."`

	// S3 configures KindS3 backends
	S3 S3Config `mapstructure:"s3" yaml:"s3"`

	// Filesystem configures KindFilesystem backends
	Filesystem FilesystemConfig `mapstructure:"filesystem" yaml:"filesystem"`

	// Remote configures KindRemote backends
	Remote RemoteConfig `mapstructure:"remote" yaml:"remote"`
}

// RegionConfig names one backend: its kind and region identifier
type RegionConfig struct {
	Kind string `mapstructure:"kind" yaml:"kind"`
	ID   string `mapstructure:"id" yaml:"id"`
}

// S3Config holds settings shared by every S3 region
type S3Config struct {
	// Endpoint is the custom endpoint URL (for MinIO, etc.)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// UsePathStyle forces path-style addressing (true for MinIO)
	UsePathStyle bool `mapstructure:"use_path_style" yaml:"use_path_style" default:"false"`

	// AccessKey is the access key ID
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`

	// SecretKey is the secret access key
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`

	// SessionToken is the temporary session token (optional)
	SessionToken string `mapstructure:"session_token" yaml:"session_token"`

	// UseSDKDefaults lets the AWS SDK default credential chain (env, shared
	// config, instance profile) be used when explicit credentials are absent
	UseSDKDefaults bool `mapstructure:"use_sdk_defaults" yaml:"use_sdk_defaults" default:"false"`

	// RoleARN optionally specifies a role to assume via STS
	RoleARN string `mapstructure:"role_arn" yaml:"role_arn"`

	// ExternalID is passed to STS AssumeRole when RoleARN is used
	ExternalID string `mapstructure:"external_id" yaml:"external_id"`

	// Profile selects a shared credentials/profile name
	Profile string `mapstructure:"profile" yaml:"profile"`

	// RequestTimeout is the timeout for individual requests
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" default:"30s"`

	// MaxRetries is the maximum number of retry attempts
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries" default:"3"`

	// BackoffInitial is the initial backoff delay
	BackoffInitial time.Duration `mapstructure:"backoff_initial" yaml:"backoff_initial" default:"200ms"`

	// BackoffMax is the maximum backoff delay
	BackoffMax time.Duration `mapstructure:"backoff_max" yaml:"backoff_max" default:"5s"`

	// DisableSSL disables SSL for connections (development only)
	DisableSSL bool `mapstructure:"disable_ssl" yaml:"disable_ssl" default:"false"`

	// MultipartThreshold is the payload size from which uploads switch to
	// multipart upload
	MultipartThreshold int64 `mapstructure:"multipart_threshold" yaml:"multipart_threshold" default:"67108864"` // 64MiB

	// PartSize is the multipart part size; S3 requires at least 5MiB
	PartSize int64 `mapstructure:"part_size" yaml:"part_size" default:"8388608"` // 8MiB

	// PartConcurrency bounds the parts uploaded in parallel
	PartConcurrency int `mapstructure:"part_concurrency" yaml:"part_concurrency" default:"4"`
}

// MinPartSize is the smallest part S3 accepts for all but the last part
const MinPartSize = 5 << 20

// FilesystemConfig holds settings for KindFilesystem backends
type FilesystemConfig struct {
	// TempPattern is the os.MkdirTemp pattern used for the "temp" region
	TempPattern string `mapstructure:"temp_pattern" yaml:"temp_pattern" default:"replicax-*"`

	// DirMode is the permission used for bucket directories
	DirMode uint32 `mapstructure:"dir_mode" yaml:"dir_mode" default:"493"` // 0755

	// FileMode is the permission used for object files
	FileMode uint32 `mapstructure:"file_mode" yaml:"file_mode" default:"420"` // 0644
}

// RemoteConfig holds settings for KindRemote backends
type RemoteConfig struct {
	// Host is the address remote nodes listen on; the port comes from the region
	Host string `mapstructure:"host" yaml:"host" default:"127.0.0.1"`

	// Scheme is "http" or "https"
	Scheme string `mapstructure:"scheme" yaml:"scheme" default:"http"`

	// RequestTimeout is the timeout for individual requests
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" default:"30s"`

	// MaxRetries is the maximum number of retry attempts for idempotent requests
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries" default:"3"`

	// RetryWaitMin is the minimum wait between retries
	RetryWaitMin time.Duration `mapstructure:"retry_wait_min" yaml:"retry_wait_min" default:"100ms"`

	// RetryWaitMax is the maximum wait between retries
	RetryWaitMax time.Duration `mapstructure:"retry_wait_max" yaml:"retry_wait_max" default:"2s"`
}

// Prefix returns the configuration key the gateway settings live under
func (Config) Prefix() string { return "replicax" }

// DefaultConfig returns a configuration with every `default` tag applied
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		// only reachable through a malformed struct tag
		panic(fmt.Sprintf("replicax: default config: %v", err))
	}
	return cfg
}

// NewConfigFromLoader creates a Config using any loader that can unmarshal
// into a struct. Useful for standalone usage without fx.
func NewConfigFromLoader(loader interface {
	Unmarshal(any) error
}) (*Config, error) {
	cfg := DefaultConfig()
	if err := loader.Unmarshal(cfg); err != nil {
		return nil, err
	}

	cfg = cfg.Sanitize()
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParsedRegions builds Regions from the configured pairs. The first
// structurally invalid identifier aborts with an error wrapping
// ErrInvalidRegion. Unknown kind names become KindUnknown regions that the
// registry skips as unsupported.
func (c *Config) ParsedRegions() ([]Region, error) {
	regions := make([]Region, 0, len(c.Regions))
	for i, rc := range c.Regions {
		kind, err := ParseBackendKind(rc.Kind)
		if err != nil {
			regions = append(regions, Region{Kind: KindUnknown, ID: strings.TrimSpace(rc.ID)})
			continue
		}
		region, err := NewRegion(kind, rc.ID)
		if err != nil {
			return nil, fmt.Errorf("regions[%d]: %w", i, err)
		}
		regions = append(regions, region)
	}
	return regions, nil
}

// GetEndpointURL returns the full S3 endpoint URL
func (c *S3Config) GetEndpointURL() string {
	if c.Endpoint == "" {
		return ""
	}

	if strings.HasPrefix(c.Endpoint, "http://") || strings.HasPrefix(c.Endpoint, "https://") {
		return c.Endpoint
	}

	scheme := "https"
	if c.DisableSSL {
		scheme = "http"
	}

	return fmt.Sprintf("%s://%s", scheme, c.Endpoint)
}

// String returns a safe string representation (redacts secrets)
func (c *Config) String() string {
	regions := make([]string, len(c.Regions))
	for i, r := range c.Regions {
		regions[i] = r.Kind + ":" + r.ID
	}
	return fmt.Sprintf("Config{Regions:[%s], WriteQuorum:%d, ReadQuorum:%d, ReadPolicy:%s, QuorumTimeout:%s}",
		strings.Join(regions, " "), c.WriteQuorum, c.ReadQuorum, c.ReadPolicy, c.QuorumTimeout)
}
