package replicax

import (
	"strings"
)

// BucketNamer maps logical bucket names onto backend bucket names. Backends
// of different regions can share one global namespace (S3), so each region
// gets its own qualified name.
type BucketNamer interface {
	// Qualify returns the bucket name used on the region's backend
	Qualify(region Region, bucket string) string

	// Strip reverses Qualify. ok is false when name was not produced by
	// Qualify for this region.
	Strip(region Region, name string) (bucket string, ok bool)
}

// RegionNamer prefixes bucket names with the region namespace
type RegionNamer struct {
	// Separator joins namespace and bucket (default: ".")
	Separator string
}

// NewRegionNamer creates a RegionNamer with the given separator
func NewRegionNamer(separator string) *RegionNamer {
	if separator == "" {
		separator = "."
	}
	return &RegionNamer{Separator: separator}
}

// Qualify implements BucketNamer
func (n *RegionNamer) Qualify(region Region, bucket string) string {
	return region.Namespace() + n.sep() + bucket
}

// Strip implements BucketNamer
func (n *RegionNamer) Strip(region Region, name string) (string, bool) {
	prefix := region.Namespace() + n.sep()
	if !strings.HasPrefix(name, prefix) || len(name) == len(prefix) {
		return "", false
	}
	return name[len(prefix):], true
}

func (n *RegionNamer) sep() string {
	if n.Separator == "" {
		return "."
	}
	return n.Separator
}

// NoOpNamer passes bucket names through unchanged
type NoOpNamer struct{}

// Qualify implements BucketNamer
func (NoOpNamer) Qualify(_ Region, bucket string) string { return bucket }

// Strip implements BucketNamer
func (NoOpNamer) Strip(_ Region, name string) (string, bool) { return name, true }
