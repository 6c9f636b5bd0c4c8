// Package transform decodes an original image, resizes or crops it to a
// geometry plan, and encodes the result in a lossy output format.
package transform

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	pxerr "github.com/pixcache/pixcache/internal/errors"
	"github.com/pixcache/pixcache/internal/geometry"
)

// Format is a derivative output encoding.
type Format string

const (
	FormatWebP Format = "webp"
	FormatJPEG Format = "jpeg"
)

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatJPEG {
		return "image/jpeg"
	}
	return "image/webp"
}

// Ext returns the file extension used for previews in this format.
func (f Format) Ext() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return "webp"
}

// ParseFormat maps a config value to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "webp":
		return FormatWebP, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	default:
		return "", fmt.Errorf("unsupported output format %q", s)
	}
}

// DefaultQuality is the lossy encoder quality used when none is configured.
const DefaultQuality = 80

// DefaultMaxPixels bounds the decoded size of an original.
const DefaultMaxPixels = 100_000_000

var filters = map[string]imaging.ResampleFilter{
	"lanczos":    imaging.Lanczos,
	"catmullrom": imaging.CatmullRom,
	"linear":     imaging.Linear,
	"box":        imaging.Box,
}

// Options configures an Engine.
type Options struct {
	Format  Format
	Quality int
	// Filter names the resampling filter: lanczos, catmullrom, linear, box.
	Filter string
	// MaxPixels rejects originals whose header declares more pixels.
	MaxPixels int
}

// Engine performs image transforms. It holds no state between calls and is
// safe for concurrent use.
type Engine struct {
	format    Format
	quality   int
	filter    imaging.ResampleFilter
	maxPixels int
}

// NewEngine returns an Engine for opts, filling unset fields with defaults.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Format == "" {
		opts.Format = FormatWebP
	}
	if opts.Format != FormatWebP && opts.Format != FormatJPEG {
		return nil, fmt.Errorf("unsupported output format %q", opts.Format)
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}
	if opts.Filter == "" {
		opts.Filter = "lanczos"
	}
	filter, ok := filters[strings.ToLower(opts.Filter)]
	if !ok {
		return nil, fmt.Errorf("unknown resample filter %q", opts.Filter)
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = DefaultMaxPixels
	}
	return &Engine{
		format:    opts.Format,
		quality:   opts.Quality,
		filter:    filter,
		maxPixels: opts.MaxPixels,
	}, nil
}

// Format returns the output format.
func (e *Engine) Format() Format { return e.format }

// ContentType returns the MIME type of derivatives produced by the engine.
func (e *Engine) ContentType() string { return e.format.ContentType() }

// Decode parses original and applies its EXIF orientation. The bounds of
// the returned image are the natural dimensions used for geometry.
func (e *Engine) Decode(original []byte) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(original))
	if err != nil {
		return nil, pxerr.Wrap(pxerr.KindDecodeError, err, "reading image header")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, pxerr.New(pxerr.KindDecodeError, "image has empty dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(e.maxPixels) {
		return nil, pxerr.New(pxerr.KindDecodeError, "image of %dx%d exceeds %d pixels", cfg.Width, cfg.Height, e.maxPixels)
	}

	img, err := imaging.Decode(bytes.NewReader(original), imaging.AutoOrientation(true))
	if err != nil {
		return nil, pxerr.Wrap(pxerr.KindDecodeError, err, "decoding image")
	}
	return img, nil
}

// Dimensions returns the natural, orientation-corrected size of original.
func (e *Engine) Dimensions(original []byte) (int, int, error) {
	img, err := e.Decode(original)
	if err != nil {
		return 0, 0, err
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), nil
}

// Render resizes img to plan and encodes it.
func (e *Engine) Render(ctx context.Context, img image.Image, plan geometry.Plan) ([]byte, error) {
	if plan.Width < 1 || plan.Height < 1 {
		return nil, pxerr.New(pxerr.KindTransformError, "invalid target %dx%d", plan.Width, plan.Height)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out *image.NRGBA
	switch plan.Mode {
	case geometry.Cover:
		out = imaging.Fill(img, plan.Width, plan.Height, imaging.Center, e.filter)
	case geometry.Fit:
		out = imaging.Resize(img, plan.Width, plan.Height, e.filter)
	default:
		return nil, pxerr.New(pxerr.KindTransformError, "unknown resize mode %s", plan.Mode)
	}
	if b := out.Bounds(); b.Dx() != plan.Width || b.Dy() != plan.Height {
		return nil, pxerr.New(pxerr.KindTransformError, "resize produced %dx%d, want %dx%d", b.Dx(), b.Dy(), plan.Width, plan.Height)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.encode(out)
}

// Transform decodes original, applies plan, and encodes the result.
func (e *Engine) Transform(ctx context.Context, original []byte, plan geometry.Plan) ([]byte, error) {
	img, err := e.Decode(original)
	if err != nil {
		return nil, err
	}
	return e.Render(ctx, img, plan)
}

func (e *Engine) encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch e.format {
	case FormatJPEG:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(e.quality))
	default:
		err = webp.Encode(&buf, img, &webp.Options{Quality: float32(e.quality)})
	}
	if err != nil {
		return nil, pxerr.Wrap(pxerr.KindTransformError, err, "encoding %s", e.format)
	}
	return buf.Bytes(), nil
}
