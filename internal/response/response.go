// Package response turns pipeline output into HTTP responses: content type,
// cache directives, ETag, and If-None-Match short-circuiting.
package response

import (
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// CacheControl marks every image as publicly cacheable for a year. Derivative
// URLs encode their parameters, so content at a URL never changes.
const CacheControl = "public, max-age=31536000"

// Image is an encoded payload ready to be served.
type Image struct {
	Body        []byte
	ContentType string
	ETag        string
}

// Response is the status, headers and body to write for an Image.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

var extensionTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".jpe":  "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".svg":  "image/svg+xml",
	".avif": "image/avif",
	".heic": "image/heic",
	".ico":  "image/x-icon",
}

// ETag returns the quoted entity tag for body. A non-empty sizeToken is
// mixed in so derivatives requested at different sizes never share a tag,
// even when their bytes happen to match.
func ETag(body []byte, sizeToken string) string {
	h := md5.New()
	h.Write(body)
	if sizeToken != "" {
		h.Write([]byte(sizeToken))
	}
	return `"` + hex.EncodeToString(h.Sum(nil)) + `"`
}

// ContentTypeFor infers an original's MIME type from its path extension,
// sniffing body when the extension is unknown.
func ContentTypeFor(objectPath string, body []byte) string {
	if ct, ok := extensionTypes[strings.ToLower(path.Ext(objectPath))]; ok {
		return ct
	}
	return mimetype.Detect(body).String()
}

// Matches reports whether an If-None-Match header value matches etag. It
// accepts "*", comma-separated lists, and weak validators.
func Matches(ifNoneMatch, etag string) bool {
	ifNoneMatch = strings.TrimSpace(ifNoneMatch)
	if ifNoneMatch == "" {
		return false
	}
	if ifNoneMatch == "*" {
		return true
	}
	want := normalizeETag(etag)
	for _, tag := range strings.Split(ifNoneMatch, ",") {
		if normalizeETag(tag) == want {
			return true
		}
	}
	return false
}

func normalizeETag(e string) string {
	e = strings.TrimSpace(e)
	e = strings.TrimPrefix(e, "W/")
	return strings.Trim(e, `"`)
}

// Build produces the response for img given the request's If-None-Match.
func Build(img Image, ifNoneMatch string) Response {
	h := http.Header{}
	h.Set("ETag", img.ETag)
	h.Set("Cache-Control", CacheControl)
	h.Set("Vary", "Accept")

	if Matches(ifNoneMatch, img.ETag) {
		return Response{Status: http.StatusNotModified, Header: h}
	}

	h.Set("Content-Type", img.ContentType)
	h.Set("Content-Length", strconv.Itoa(len(img.Body)))
	return Response{Status: http.StatusOK, Header: h, Body: img.Body}
}

// Write builds the response for r and writes it to w. HEAD requests get
// headers only.
func Write(w http.ResponseWriter, r *http.Request, img Image) {
	resp := Build(img, r.Header.Get("If-None-Match"))
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead && len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}
