// Package key parses and inspects s4 keys.
//
// A key is a string of the form "s4://<bucket>/<path>". Buckets whose
// name begins with "_" are reserved for node-local temporary storage.
// Keys containing spaces are rejected outright.
package key

import (
	"fmt"
	"path"
	"strings"
)

const scheme = "s4://"

// ErrMalformed reports a key that does not satisfy the s4:// contract.
type ErrMalformed struct {
	Key    string
	Reason string
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("malformed key %q: %s", e.Key, e.Reason)
}

// Validate checks the syntactic rules every key must satisfy, independent
// of routing or on-disk layout.
func Validate(k string) error {
	if !strings.HasPrefix(k, scheme) {
		return &ErrMalformed{Key: k, Reason: "missing s4:// scheme"}
	}
	if strings.Contains(k, " ") {
		return &ErrMalformed{Key: k, Reason: "contains a space"}
	}
	rest := strings.TrimPrefix(k, scheme)
	if rest == "" {
		return &ErrMalformed{Key: k, Reason: "empty path"}
	}
	return nil
}

// Bucket returns the first path segment after the scheme, i.e. the
// bucket name the key lives in.
func Bucket(k string) string {
	rest := strings.TrimPrefix(k, scheme)
	parts := strings.SplitN(rest, "/", 2)
	return parts[0]
}

// IsReservedBucket reports whether a bucket name is reserved for
// node-local temporary storage (leading underscore).
func IsReservedBucket(bucket string) bool {
	return strings.HasPrefix(bucket, "_")
}

// Path strips the scheme off a key, returning the on-disk relative path.
func Path(k string) string {
	return strings.TrimPrefix(k, scheme)
}

// ChecksumPath returns the sidecar checksum path for an on-disk data path.
func ChecksumPath(dataPath string) string {
	return dataPath + ".xxh3"
}

// BucketSegment computes the routing-relevant segment of a key: the
// last '/'-delimited path component, split on '_', keeping the leading
// run of characters. If that run is all digits it is returned as-is
// (the "numeric bucket segment" used for colocation); callers use
// IsDigits on the result to tell the two cases apart.
func BucketSegment(k string) string {
	rest := strings.TrimPrefix(k, scheme)
	last := path.Base(rest)
	parts := strings.SplitN(last, "_", 2)
	return parts[0]
}

// IsDigits reports whether s is a non-empty run of decimal digits.
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// RoutingToken returns the string whose hash determines ownership: the
// numeric bucket segment when the key's last path component leads with
// digits, otherwise the full scheme-stripped key.
func RoutingToken(k string) string {
	seg := BucketSegment(k)
	if IsDigits(seg) {
		return seg
	}
	return Path(k)
}

// Join builds a key from a bucket-relative path already containing the
// scheme-stripped form, e.g. Join("s4://out/", "foo/bar") -> "s4://out/foo/bar".
func Join(dirKey string, elems ...string) string {
	if !strings.HasSuffix(dirKey, "/") {
		dirKey += "/"
	}
	return dirKey + path.Join(elems...)
}
