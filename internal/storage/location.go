package storage

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

const s3Scheme = "s3://"

// Stdio names standard input or output in place of a file.
const Stdio = "-"

var bucketPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// Location is where a batch file lives: a local path, an object in a bucket,
// or standard input/output.
type Location struct {
	Bucket string
	Key    string
	Path   string
}

// ParseLocation accepts s3://bucket/key URLs, local paths and "-".
func ParseLocation(raw string) (Location, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return Location{}, fmt.Errorf("location is required")
	case raw == Stdio:
		return Location{Path: Stdio}, nil
	case strings.HasPrefix(raw, s3Scheme):
		rest := strings.TrimPrefix(raw, s3Scheme)
		bucket, key, _ := strings.Cut(rest, "/")
		if !bucketPattern.MatchString(bucket) {
			return Location{}, fmt.Errorf("invalid bucket name %q", bucket)
		}
		if err := validateKey(key); err != nil {
			return Location{}, err
		}
		return Location{Bucket: bucket, Key: key}, nil
	case strings.Contains(raw, "://"):
		return Location{}, fmt.Errorf("unsupported location scheme in %q", raw)
	default:
		return Location{Path: filepath.Clean(raw)}, nil
	}
}

func (l Location) Remote() bool { return l.Bucket != "" }

func (l Location) Stdio() bool { return l.Path == Stdio }

// IsPrefix reports whether a remote location names every object below a key
// prefix rather than one object.
func (l Location) IsPrefix() bool {
	return l.Remote() && (l.Key == "" || strings.HasSuffix(l.Key, "/"))
}

// Child returns the remote location of name below a prefix location.
func (l Location) Child(name string) Location {
	return Location{Bucket: l.Bucket, Key: path.Join(l.Key, name)}
}

func (l Location) String() string {
	if l.Remote() {
		return s3Scheme + l.Bucket + "/" + l.Key
	}
	return l.Path
}

func validateKey(key string) error {
	if key == "" {
		return nil
	}
	for _, part := range strings.Split(strings.TrimSuffix(key, "/"), "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid object key %q", key)
		}
	}
	return nil
}
