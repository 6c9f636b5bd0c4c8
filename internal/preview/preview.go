// Package preview derives the deterministic locations of derivative images:
// the durable preview path inside the object store and the ephemeral cache
// key.
package preview

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"

	"github.com/pixcache/pixcache/internal/sizespec"
)

// Defaults used by NewDeriver when an argument is empty.
const (
	DefaultPrefix    = "previews"
	DefaultKeyPrefix = "pixcache:img:"
	DefaultExt       = "webp"
)

// Deriver computes preview paths and cache keys. The zero value is not
// usable; construct with NewDeriver.
type Deriver struct {
	prefix    string
	keyPrefix string
	ext       string
}

// NewDeriver returns a Deriver writing previews under prefix with the given
// file extension, and namespacing cache keys with keyPrefix.
func NewDeriver(prefix, ext, keyPrefix string) *Deriver {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = DefaultExt
	}
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Deriver{prefix: prefix, keyPrefix: keyPrefix, ext: ext}
}

// ObjectHash is the hex MD5 of an object path. It depends on the path only,
// never on the image bytes.
func ObjectHash(objectPath string) string {
	sum := md5.Sum([]byte(objectPath))
	return hex.EncodeToString(sum[:])
}

// Path returns the durable preview location for objectPath at spec:
//
//	{prefix}/{w}x{h}[!]/{hash[:2]}/{hash}.{ext}
//
// The dimensions are the requested ones, before geometry resolution.
func (d *Deriver) Path(objectPath string, spec sizespec.SizeSpec) string {
	hash := ObjectHash(objectPath)
	return path.Join(d.prefix, spec.String(), hash[:2], hash+"."+d.ext)
}

// Dir returns the directory component of Path.
func (d *Deriver) Dir(objectPath string, spec sizespec.SizeSpec) string {
	return path.Dir(d.Path(objectPath, spec))
}

// CacheKey returns the ephemeral store key for a (bucket, path, size)
// tuple. A nil spec keys the original. Components are NUL-separated before
// hashing so distinct tuples never share a pre-image.
func (d *Deriver) CacheKey(bucket, objectPath string, spec *sizespec.SizeSpec) string {
	size := ""
	if spec != nil {
		size = spec.String()
	}
	h := sha256.New()
	h.Write([]byte(bucket))
	h.Write([]byte{0})
	h.Write([]byte(objectPath))
	h.Write([]byte{0})
	h.Write([]byte(size))
	return d.keyPrefix + hex.EncodeToString(h.Sum(nil))
}
