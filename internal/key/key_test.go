package key

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	require.NoError(t, Validate("s4://bucket/path/name"))

	err := Validate("bucket/path/name")
	require.Error(t, err)

	err = Validate("s4://bucket/has space")
	require.Error(t, err)

	err = Validate("s4://")
	require.Error(t, err)
}

func TestBucketSegmentAndRoutingToken(t *testing.T) {
	// numeric bucket segment: routing token is just the digits.
	require.Equal(t, "000", BucketSegment("s4://b/000_a"))
	require.True(t, IsDigits(BucketSegment("s4://b/000_a")))
	require.Equal(t, "000", RoutingToken("s4://b/000_a"))
	require.Equal(t, "000", RoutingToken("s4://b/000_b"))

	// non-numeric leading run: routing token is the whole key.
	require.Equal(t, "abc", BucketSegment("s4://b/abc_def"))
	require.False(t, IsDigits(BucketSegment("s4://b/abc_def")))
	require.Equal(t, "b/abc_def", RoutingToken("s4://b/abc_def"))

	// no underscore at all: segment is the whole last path component.
	require.Equal(t, "f.txt", BucketSegment("s4://b/f.txt"))
}

func TestPathAndChecksumPath(t *testing.T) {
	require.Equal(t, "b/f.txt", Path("s4://b/f.txt"))
	require.Equal(t, "b/f.txt.xxh3", ChecksumPath(Path("s4://b/f.txt")))
}

func TestReservedBucket(t *testing.T) {
	require.True(t, IsReservedBucket("_tempfiles"))
	require.False(t, IsReservedBucket("bucket"))
}

func TestJoin(t *testing.T) {
	require.Equal(t, "s4://out/in/chunk0", Join("s4://out", "in", "chunk0"))
	require.Equal(t, "s4://out/in/chunk0", Join("s4://out/", "in/chunk0"))
}
