package replicax

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config field %q: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is(err, ErrInvalidConfig) match validation failures
func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

// ValidateConfig checks the whole configuration and reports every problem at once
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return &ValidationError{Field: "config", Message: "configuration cannot be nil"}
	}

	var errors []string

	// Region identifiers are parsed by NewRegion at client construction;
	// unknown kinds are skipped there, not rejected here
	for i, r := range cfg.Regions {
		if strings.TrimSpace(r.Kind) == "" {
			errors = append(errors, fmt.Sprintf("regions[%d]: kind cannot be empty", i))
		}
		if strings.TrimSpace(r.ID) == "" {
			errors = append(errors, fmt.Sprintf("regions[%d]: id cannot be empty", i))
		}
	}

	// Quorums: negative values are meaningless; upper bounds depend on resolved backends
	if cfg.WriteQuorum < 0 {
		errors = append(errors, "write_quorum cannot be negative")
	}
	if cfg.ReadQuorum < 0 {
		errors = append(errors, "read_quorum cannot be negative")
	}
	if n := len(cfg.Regions); n > 0 {
		if cfg.WriteQuorum > n {
			errors = append(errors, fmt.Sprintf("write_quorum %d exceeds %d configured regions", cfg.WriteQuorum, n))
		}
		if cfg.ReadQuorum > n {
			errors = append(errors, fmt.Sprintf("read_quorum %d exceeds %d configured regions", cfg.ReadQuorum, n))
		}
	}

	if _, err := ParseReadPolicy(cfg.ReadPolicy); err != nil {
		errors = append(errors, fmt.Sprintf("read_policy %q must be one of first_k, verify, consensus", cfg.ReadPolicy))
	}

	if cfg.QuorumTimeout <= 0 {
		errors = append(errors, "quorum_timeout must be positive")
	}
	if cfg.StragglerTimeout < 0 {
		errors = append(errors, "straggler_timeout cannot be negative")
	} else if cfg.StragglerTimeout > 0 && cfg.StragglerTimeout < cfg.QuorumTimeout {
		errors = append(errors, "straggler_timeout must not be shorter than quorum_timeout")
	}

	if cfg.BucketSeparator == "" {
		errors = append(errors, "bucket_separator cannot be empty")
	} else if strings.ContainsAny(cfg.BucketSeparator, "/\\") {
		errors = append(errors, "bucket_separator cannot contain path separators")
	}

	errors = append(errors, validateS3Config(&cfg.S3)...)
	errors = append(errors, validateRemoteConfig(&cfg.Remote)...)

	if len(errors) > 0 {
		return &ValidationError{
			Field:   "config",
			Message: strings.Join(errors, "; "),
		}
	}

	return nil
}

func validateS3Config(cfg *S3Config) []string {
	var errors []string

	// Disallow partially-specified explicit credentials
	if (cfg.AccessKey == "") != (cfg.SecretKey == "") {
		errors = append(errors, "s3: both access_key and secret_key must be set together; do not provide only one")
	}

	if cfg.RequestTimeout <= 0 {
		errors = append(errors, "s3: request_timeout must be positive")
	}
	if cfg.RequestTimeout > 10*time.Minute {
		errors = append(errors, "s3: request_timeout should not exceed 10 minutes")
	}

	if cfg.MaxRetries < 0 {
		errors = append(errors, "s3: max_retries cannot be negative")
	}
	if cfg.MaxRetries > 10 {
		errors = append(errors, "s3: max_retries should not exceed 10")
	}

	if cfg.BackoffInitial <= 0 {
		errors = append(errors, "s3: backoff_initial must be positive")
	}
	if cfg.BackoffMax <= cfg.BackoffInitial {
		errors = append(errors, "s3: backoff_max must be greater than backoff_initial")
	}

	if cfg.PartSize < MinPartSize {
		errors = append(errors, fmt.Sprintf("s3: part_size must be at least %d bytes", MinPartSize))
	}
	if cfg.MultipartThreshold < cfg.PartSize {
		errors = append(errors, "s3: multipart_threshold cannot be smaller than part_size")
	}
	if cfg.PartConcurrency <= 0 {
		errors = append(errors, "s3: part_concurrency must be positive")
	}

	if cfg.Endpoint != "" {
		if err := validateEndpoint(cfg.Endpoint); err != nil {
			errors = append(errors, fmt.Sprintf("s3: invalid endpoint: %v", err))
		}
	}

	if cfg.RoleARN != "" && !isPlausibleRoleARN(cfg.RoleARN) {
		errors = append(errors, "s3: role_arn looks invalid: must be a valid IAM role ARN (e.g., arn:aws:iam::123456789012:role/RoleName)")
	}

	return errors
}

func validateRemoteConfig(cfg *RemoteConfig) []string {
	var errors []string

	if cfg.Host == "" {
		errors = append(errors, "remote: host cannot be empty")
	}
	if cfg.Scheme != "http" && cfg.Scheme != "https" {
		errors = append(errors, fmt.Sprintf("remote: scheme %q must be http or https", cfg.Scheme))
	}
	if cfg.RequestTimeout <= 0 {
		errors = append(errors, "remote: request_timeout must be positive")
	}
	if cfg.MaxRetries < 0 {
		errors = append(errors, "remote: max_retries cannot be negative")
	}
	if cfg.RetryWaitMax < cfg.RetryWaitMin {
		errors = append(errors, "remote: retry_wait_max must not be less than retry_wait_min")
	}

	return errors
}

// isPlausibleRoleARN performs a light-weight validation of an IAM role ARN
func isPlausibleRoleARN(arn string) bool {
	// Expected form: arn:partition:service:region:account-id:resource
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) != 6 || parts[0] != "arn" || parts[2] != "iam" {
		return false
	}
	if !isNumeric(parts[4]) {
		return false
	}
	return strings.HasPrefix(parts[5], "role/")
}

// ValidateBucketName checks a logical bucket name. The qualified name a
// backend sees adds the region namespace in front of it.
func ValidateBucketName(bucket string) error {
	if len(bucket) < 1 || len(bucket) > 63 {
		return fmt.Errorf("%w: bucket name must be between 1 and 63 characters", ErrInvalidConfig)
	}

	if strings.HasPrefix(bucket, "-") || strings.HasSuffix(bucket, "-") {
		return fmt.Errorf("%w: bucket name cannot start or end with a hyphen", ErrInvalidConfig)
	}

	if strings.HasPrefix(bucket, ".") || strings.HasSuffix(bucket, ".") {
		return fmt.Errorf("%w: bucket name cannot start or end with a period", ErrInvalidConfig)
	}

	if strings.Contains(bucket, "..") {
		return fmt.Errorf("%w: bucket name cannot contain consecutive periods", ErrInvalidConfig)
	}

	for _, char := range bucket {
		if !isValidBucketChar(char) {
			return fmt.Errorf("%w: bucket name contains invalid character: %c", ErrInvalidConfig, char)
		}
	}

	return nil
}

// ValidateObjectKey checks an object key
func ValidateObjectKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: object key cannot be empty", ErrInvalidConfig)
	}
	if len(key) > 1024 {
		return fmt.Errorf("%w: object key exceeds 1024 bytes", ErrInvalidConfig)
	}
	if strings.ContainsRune(key, 0) {
		return fmt.Errorf("%w: object key contains NUL byte", ErrInvalidConfig)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return fmt.Errorf("%w: object key cannot contain '..' segments", ErrInvalidConfig)
		}
	}
	return nil
}

// isValidBucketChar checks if a character is valid in bucket names
func isValidBucketChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '.'
}

// isNumeric checks if a string contains only digits
func isNumeric(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, char := range s {
		if char < '0' || char > '9' {
			return false
		}
	}
	return true
}

// validateEndpoint validates the endpoint URL format
func validateEndpoint(endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return nil
	}

	if strings.Contains(endpoint, "://") {
		return fmt.Errorf("endpoint protocol must be http or https")
	}

	if strings.Contains(endpoint, " ") {
		return fmt.Errorf("endpoint cannot contain spaces")
	}

	return nil
}

// Sanitize applies automatic fixes to configuration where possible and returns
// a sanitized copy without mutating the receiver.
func (cfg *Config) Sanitize() *Config {
	if cfg == nil {
		return DefaultConfig()
	}

	sanitized := *cfg
	defaults := DefaultConfig()

	sanitized.Regions = make([]RegionConfig, len(cfg.Regions))
	for i, r := range cfg.Regions {
		sanitized.Regions[i] = RegionConfig{
			Kind: strings.ToLower(strings.TrimSpace(r.Kind)),
			ID:   strings.TrimSpace(r.ID),
		}
	}

	sanitized.ReadPolicy = strings.ToLower(strings.TrimSpace(sanitized.ReadPolicy))
	if sanitized.ReadPolicy == "" {
		sanitized.ReadPolicy = defaults.ReadPolicy
	}
	if sanitized.QuorumTimeout == 0 {
		sanitized.QuorumTimeout = defaults.QuorumTimeout
	}
	if sanitized.BucketSeparator == "" {
		sanitized.BucketSeparator = defaults.BucketSeparator
	}

	// Clean up endpoint
	if sanitized.S3.Endpoint != "" {
		sanitized.S3.Endpoint = strings.TrimSpace(sanitized.S3.Endpoint)
		sanitized.S3.Endpoint = strings.TrimSuffix(sanitized.S3.Endpoint, "/")
	}
	if sanitized.S3.RequestTimeout == 0 {
		sanitized.S3.RequestTimeout = defaults.S3.RequestTimeout
	}
	if sanitized.S3.BackoffInitial == 0 {
		sanitized.S3.BackoffInitial = defaults.S3.BackoffInitial
	}
	if sanitized.S3.BackoffMax == 0 {
		sanitized.S3.BackoffMax = defaults.S3.BackoffMax
	}
	if sanitized.S3.PartSize == 0 {
		sanitized.S3.PartSize = defaults.S3.PartSize
	}
	if sanitized.S3.MultipartThreshold == 0 {
		sanitized.S3.MultipartThreshold = max(defaults.S3.MultipartThreshold, sanitized.S3.PartSize)
	}
	if sanitized.S3.PartConcurrency == 0 {
		sanitized.S3.PartConcurrency = defaults.S3.PartConcurrency
	}

	sanitized.Remote.Host = strings.TrimSpace(sanitized.Remote.Host)
	if sanitized.Remote.Host == "" {
		sanitized.Remote.Host = defaults.Remote.Host
	}
	sanitized.Remote.Scheme = strings.ToLower(strings.TrimSpace(sanitized.Remote.Scheme))
	if sanitized.Remote.Scheme == "" {
		sanitized.Remote.Scheme = defaults.Remote.Scheme
	}
	if sanitized.Remote.RequestTimeout == 0 {
		sanitized.Remote.RequestTimeout = defaults.Remote.RequestTimeout
	}

	if sanitized.Filesystem.TempPattern == "" {
		sanitized.Filesystem.TempPattern = defaults.Filesystem.TempPattern
	}
	if sanitized.Filesystem.DirMode == 0 {
		sanitized.Filesystem.DirMode = defaults.Filesystem.DirMode
	}
	if sanitized.Filesystem.FileMode == 0 {
		sanitized.Filesystem.FileMode = defaults.Filesystem.FileMode
	}

	return &sanitized
}

// ConfigSummary returns a safe summary of the configuration for logging
func (cfg *Config) ConfigSummary() map[string]any {
	if cfg == nil {
		return map[string]any{"error": "nil config"}
	}

	regions := make([]string, len(cfg.Regions))
	for i, r := range cfg.Regions {
		regions[i] = r.Kind + ":" + r.ID
	}

	summary := map[string]any{
		"regions":           regions,
		"write_quorum":      cfg.WriteQuorum,
		"read_quorum":       cfg.ReadQuorum,
		"read_policy":       cfg.ReadPolicy,
		"quorum_timeout":    cfg.QuorumTimeout.String(),
		"straggler_timeout": cfg.StragglerTimeout.String(),
		"s3_endpoint":       cfg.S3.Endpoint,
		"s3_use_path_style": cfg.S3.UsePathStyle,
		"remote_host":       cfg.Remote.Host,
	}

	// Don't include sensitive information
	if cfg.S3.AccessKey != "" {
		summary["s3_has_access_key"] = true
		summary["s3_access_key_prefix"] = cfg.S3.AccessKey[:min(4, len(cfg.S3.AccessKey))] + "..."
	}

	if cfg.S3.SecretKey != "" {
		summary["s3_has_secret_key"] = true
	}

	if cfg.S3.SessionToken != "" {
		summary["s3_has_session_token"] = true
	}

	return summary
}
