package types

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Key is a shard key value. Keys are totally ordered as signed integers.
type Key int64

const (
	// MinKey is the lower sentinel of the key space. No document can carry it.
	MinKey Key = math.MinInt64

	// MaxKey is the upper sentinel of the key space. No document can carry it.
	MaxKey Key = math.MaxInt64
)

// String returns the key in decimal form, or "MinKey"/"MaxKey" for the sentinels.
func (k Key) String() string {
	switch k {
	case MinKey:
		return "MinKey"
	case MaxKey:
		return "MaxKey"
	default:
		return fmt.Sprintf("%d", int64(k))
	}
}

// ParseKey parses the output of Key.String. "min" and "max" are accepted in any case.
func ParseKey(s string) (Key, error) {
	switch strings.ToLower(s) {
	case "minkey", "min":
		return MinKey, nil
	case "maxkey", "max":
		return MaxKey, nil
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}

	return Key(v), nil
}

// IsDocumentKey reports whether k may be stored as a document key.
func (k Key) IsDocumentKey() bool {
	return k != MinKey && k != MaxKey
}

// Range is a half-open interval [Min, Max) of the key space.
//
// A range with Max == MaxKey is unbounded above.
type Range struct {
	Min Key `json:"min"`
	Max Key `json:"max"`
}

// Full returns the range covering the entire key space.
func Full() Range {
	return Range{Min: MinKey, Max: MaxKey}
}

// Contains reports whether key falls inside the range.
func (r Range) Contains(key Key) bool {
	return key >= r.Min && key < r.Max
}

// Empty reports whether the range contains no keys.
func (r Range) Empty() bool {
	return r.Min >= r.Max
}

// Overlaps reports whether r and other share at least one key.
func (r Range) Overlaps(other Range) bool {
	return r.Min < other.Max && other.Min < r.Max
}

// Validate checks that the range is well formed.
func (r Range) Validate() error {
	if r.Empty() {
		return fmt.Errorf("%w: %s", ErrInvalidRange, r)
	}

	return nil
}

// String returns the range as "[min, max)".
func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", r.Min, r.Max)
}

// Namespace identifies a partitioned collection, for example "test.user".
type Namespace string

var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)

// Validate checks that the namespace is usable as a catalog key and subject token.
func (ns Namespace) Validate() error {
	if !namespacePattern.MatchString(string(ns)) {
		return fmt.Errorf("%w: %q", ErrInvalidNamespace, string(ns))
	}

	return nil
}

// ShardID identifies a shard. Shard IDs are configured, not generated.
type ShardID string

var shardIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validate checks that the shard ID is usable as a single subject token.
func (id ShardID) Validate() error {
	if !shardIDPattern.MatchString(string(id)) {
		return fmt.Errorf("%w: %q", ErrInvalidShardID, string(id))
	}

	return nil
}
