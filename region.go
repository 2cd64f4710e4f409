package replicax

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// BackendKind identifies the family of storage service a Region belongs to
type BackendKind int

const (
	// KindUnknown is the zero value and never valid
	KindUnknown BackendKind = iota
	// KindS3 is an S3-compatible cloud object store addressed by AWS region code
	KindS3
	// KindFilesystem is a local directory tree, a temp dir ("temp") or process memory ("memory")
	KindFilesystem
	// KindRemote is a remote replicax node addressed as "<port>.<service-tag>"
	KindRemote
)

var kindNames = map[BackendKind]string{
	KindS3:         "s3",
	KindFilesystem: "filesystem",
	KindRemote:     "remote",
}

func (k BackendKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseBackendKind maps a configuration name ("s3", "filesystem", "remote") to a BackendKind
func ParseBackendKind(name string) (BackendKind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnsupportedBackendKind, name)
}

// Filesystem sentinels
const (
	FilesystemTemp   = "temp"
	FilesystemMemory = "memory"
)

// Remote port bounds (registered port range)
const (
	MinRemotePort = 1024
	MaxRemotePort = 49151
)

// S3Regions is the set of AWS region codes accepted for KindS3
var S3Regions = map[string]struct{}{
	"ap-northeast-1": {},
	"ap-northeast-2": {},
	"ap-south-1":     {},
	"ap-southeast-1": {},
	"ap-southeast-2": {},
	"ca-central-1":   {},
	"eu-central-1":   {},
	"eu-east-1":      {},
	"eu-west-1":      {},
	"eu-west-2":      {},
	"sa-east-1":      {},
	"us-east-1":      {},
	"us-east-2":      {},
	"us-west-1":      {},
	"us-west-2":      {},
}

// BackendKey identifies one backend handle; regions with equal keys share a handle
type BackendKey struct {
	Kind BackendKind
	ID   string
}

func (k BackendKey) String() string {
	return k.Kind.String() + ":" + k.ID
}

// Region is a validated identifier scoping one backend instance. It is
// immutable once built; a Region with Valid=false must never reach a factory.
type Region struct {
	Kind  BackendKind
	ID    string
	Valid bool
}

// Key returns the registry key of the region
func (r Region) Key() BackendKey {
	return BackendKey{Kind: r.Kind, ID: r.ID}
}

func (r Region) String() string {
	if !r.Valid {
		return r.Key().String() + "(invalid)"
	}
	return r.Key().String()
}

// Namespace returns the identifier used to qualify bucket names on this
// region's backend. Filesystem paths contribute their base name only.
func (r Region) Namespace() string {
	if r.Kind == KindFilesystem && r.ID != FilesystemTemp && r.ID != FilesystemMemory {
		return filepath.Base(r.ID)
	}
	return r.ID
}

// RemotePort returns the port and service tag of a KindRemote region
func (r Region) RemotePort() (int, string, bool) {
	if r.Kind != KindRemote {
		return 0, "", false
	}
	port, tag, err := splitRemoteID(r.ID)
	if err != nil {
		return 0, "", false
	}
	return port, tag, true
}

// regionRule is the per-kind validator. parse rejects identifiers that are
// structurally unusable; valid decides legality of a well-formed identifier.
type regionRule struct {
	parse func(raw string) (string, error)
	valid func(id string) bool
}

var (
	s3RegionPattern = regexp.MustCompile(`^[a-z]{2}(-[a-z]+)+-\d+$`)
	remoteTagRule   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
)

var regionRules = map[BackendKind]regionRule{
	KindS3: {
		parse: func(raw string) (string, error) {
			id := strings.ToLower(raw)
			if !s3RegionPattern.MatchString(id) {
				return "", fmt.Errorf("expected an AWS region code like us-east-1")
			}
			return id, nil
		},
		valid: func(id string) bool {
			_, ok := S3Regions[id]
			return ok
		},
	},
	KindFilesystem: {
		parse: func(raw string) (string, error) {
			if strings.ContainsRune(raw, 0) {
				return "", fmt.Errorf("path contains NUL byte")
			}
			if raw == FilesystemTemp || raw == FilesystemMemory {
				return raw, nil
			}
			return filepath.Clean(raw), nil
		},
		valid: func(string) bool { return true },
	},
	KindRemote: {
		parse: func(raw string) (string, error) {
			port, tag, err := splitRemoteID(raw)
			if err != nil {
				return "", err
			}
			return strconv.Itoa(port) + "." + tag, nil
		},
		valid: func(id string) bool {
			port, _, err := splitRemoteID(id)
			return err == nil && port >= MinRemotePort && port <= MaxRemotePort
		},
	},
}

// NewRegion validates raw as an identifier of the given kind. A well-formed
// but illegal identifier yields a Region with Valid=false and a nil error;
// a structurally unparsable one yields an error wrapping ErrInvalidRegion.
func NewRegion(kind BackendKind, raw string) (Region, error) {
	rule, ok := regionRules[kind]
	if !ok {
		return Region{}, &RegionError{Kind: kind, ID: raw, Reason: "no validator for backend kind"}
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Region{}, &RegionError{Kind: kind, ID: raw, Reason: "identifier is empty"}
	}

	id, err := rule.parse(raw)
	if err != nil {
		return Region{}, &RegionError{Kind: kind, ID: raw, Reason: err.Error()}
	}

	return Region{Kind: kind, ID: id, Valid: rule.valid(id)}, nil
}

// MustRegion is like NewRegion but panics on a structural error
func MustRegion(kind BackendKind, raw string) Region {
	r, err := NewRegion(kind, raw)
	if err != nil {
		panic(err)
	}
	return r
}

// IsValidRegionID reports whether raw is a legal identifier for kind
func IsValidRegionID(kind BackendKind, raw string) bool {
	r, err := NewRegion(kind, raw)
	return err == nil && r.Valid
}

func splitRemoteID(id string) (int, string, error) {
	portStr, tag, ok := strings.Cut(id, ".")
	if !ok {
		return 0, "", fmt.Errorf("expected <port>.<service-tag>")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 {
		return 0, "", fmt.Errorf("port %q is not a number", portStr)
	}
	if !remoteTagRule.MatchString(tag) {
		return 0, "", fmt.Errorf("service tag %q is not an identifier", tag)
	}
	return port, tag, nil
}
