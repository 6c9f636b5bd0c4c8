package transform

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	pxerr "github.com/pixcache/pixcache/internal/errors"
	"github.com/pixcache/pixcache/internal/geometry"
)

// makePNG returns a w x h PNG with a horizontal gradient.
func makePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding fixture: %v", err)
	}
	return buf.Bytes()
}

func newEngine(t *testing.T, format Format) *Engine {
	t.Helper()
	e, err := NewEngine(Options{Format: format})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func decodeConfig(t *testing.T, data []byte) (image.Config, string) {
	t.Helper()
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output does not decode: %v", err)
	}
	return cfg, format
}

func TestTransformFit(t *testing.T) {
	e := newEngine(t, FormatJPEG)
	out, err := e.Transform(context.Background(), makePNG(t, 120, 80), geometry.Plan{Width: 30, Height: 20, Mode: geometry.Fit})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	cfg, format := decodeConfig(t, out)
	if format != "jpeg" {
		t.Errorf("format = %s, want jpeg", format)
	}
	if cfg.Width != 30 || cfg.Height != 20 {
		t.Errorf("size = %dx%d, want 30x20", cfg.Width, cfg.Height)
	}
}

func TestTransformCoverIsExact(t *testing.T) {
	e := newEngine(t, FormatJPEG)
	out, err := e.Transform(context.Background(), makePNG(t, 120, 80), geometry.Plan{Width: 50, Height: 50, Mode: geometry.Cover})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	cfg, _ := decodeConfig(t, out)
	if cfg.Width != 50 || cfg.Height != 50 {
		t.Errorf("size = %dx%d, want 50x50", cfg.Width, cfg.Height)
	}
}

func TestTransformWebP(t *testing.T) {
	e := newEngine(t, FormatWebP)
	out, err := e.Transform(context.Background(), makePNG(t, 64, 64), geometry.Plan{Width: 16, Height: 16, Mode: geometry.Fit})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	cfg, format := decodeConfig(t, out)
	if format != "webp" {
		t.Errorf("format = %s, want webp", format)
	}
	if cfg.Width != 16 || cfg.Height != 16 {
		t.Errorf("size = %dx%d, want 16x16", cfg.Width, cfg.Height)
	}
	if e.ContentType() != "image/webp" {
		t.Errorf("ContentType = %s", e.ContentType())
	}
}

func TestDecodeErrors(t *testing.T) {
	e := newEngine(t, FormatJPEG)
	for name, data := range map[string][]byte{
		"empty":   nil,
		"garbage": []byte("definitely not an image"),
		"text":    []byte("<svg xmlns='http://www.w3.org/2000/svg'/>"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := e.Transform(context.Background(), data, geometry.Plan{Width: 1, Height: 1})
			if !errors.Is(err, pxerr.ErrDecode) {
				t.Errorf("err = %v, want DecodeError", err)
			}
		})
	}
}

func TestDecodeRejectsOversizedOriginal(t *testing.T) {
	e, err := NewEngine(Options{Format: FormatJPEG, MaxPixels: 100})
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Decode(makePNG(t, 20, 20))
	if !errors.Is(err, pxerr.ErrDecode) {
		t.Errorf("err = %v, want DecodeError", err)
	}
}

// pngHeader returns a PNG signature and IHDR chunk declaring w x h, with no
// pixel data behind it.
func pngHeader(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], w)
	binary.BigEndian.PutUint32(ihdr[4:8], h)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 6 // RGBA
	chunk := append([]byte("IHDR"), ihdr...)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestDecodeRejectsHugeDeclaredSize(t *testing.T) {
	e := newEngine(t, FormatJPEG)
	// 70000 x 70000 is 4.9e9 pixels, past the range of a 32-bit int.
	_, err := e.Decode(pngHeader(70000, 70000))
	if !errors.Is(err, pxerr.ErrDecode) {
		t.Fatalf("err = %v, want DecodeError", err)
	}
	if !strings.Contains(err.Error(), "exceeds") {
		t.Errorf("err = %v, want the pixel limit to reject it", err)
	}
}

func TestDimensions(t *testing.T) {
	e := newEngine(t, FormatJPEG)
	w, h, err := e.Dimensions(makePNG(t, 37, 11))
	if err != nil {
		t.Fatal(err)
	}
	if w != 37 || h != 11 {
		t.Errorf("Dimensions = %dx%d, want 37x11", w, h)
	}
}

func TestRenderInvalidPlan(t *testing.T) {
	e := newEngine(t, FormatJPEG)
	img, err := e.Decode(makePNG(t, 10, 10))
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Render(context.Background(), img, geometry.Plan{Width: 0, Height: 5})
	if !errors.Is(err, pxerr.ErrTransform) {
		t.Errorf("err = %v, want TransformError", err)
	}
	_, err = e.Render(context.Background(), img, geometry.Plan{Width: 5, Height: 5, Mode: geometry.Mode(9)})
	if !errors.Is(err, pxerr.ErrTransform) {
		t.Errorf("unknown mode err = %v, want TransformError", err)
	}
}

func TestRenderHonorsCancellation(t *testing.T) {
	e := newEngine(t, FormatJPEG)
	img, err := e.Decode(makePNG(t, 10, 10))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Render(ctx, img, geometry.Plan{Width: 5, Height: 5}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestNewEngineOptions(t *testing.T) {
	if _, err := NewEngine(Options{Filter: "nearest-ish"}); err == nil {
		t.Error("unknown filter accepted")
	}
	if _, err := NewEngine(Options{Format: "gif"}); err == nil {
		t.Error("unknown format accepted")
	}
	e, err := NewEngine(Options{Quality: 500})
	if err != nil {
		t.Fatal(err)
	}
	if e.quality != DefaultQuality {
		t.Errorf("quality = %d, want %d", e.quality, DefaultQuality)
	}
	if e.Format() != FormatWebP {
		t.Errorf("default format = %s", e.Format())
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatWebP, "webp": FormatWebP, "JPEG": FormatJPEG, "jpg": FormatJPEG} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("avif"); err == nil {
		t.Error("avif accepted")
	}
	if FormatJPEG.Ext() != "jpg" || FormatWebP.Ext() != "webp" {
		t.Error("unexpected extensions")
	}
}
