// Package geometry turns a requested size and an original's natural
// dimensions into a concrete resize plan.
package geometry

import (
	"fmt"
	"math"

	"github.com/pixcache/pixcache/internal/sizespec"
)

// Mode selects how the original is mapped onto the target.
type Mode int

const (
	// Fit scales the whole image to fit inside the target, preserving the
	// aspect ratio. It never enlarges.
	Fit Mode = iota
	// Cover scales the image to cover the target and crops the overflow so
	// the output is exactly the target size.
	Cover
)

func (m Mode) String() string {
	switch m {
	case Fit:
		return "fit"
	case Cover:
		return "cover"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Plan is the resolved output geometry. Both dimensions are at least 1.
type Plan struct {
	Width  int
	Height int
	Mode   Mode
}

// Resolve computes the plan for spec against an original of
// originalWidth x originalHeight. It is pure.
func Resolve(spec sizespec.SizeSpec, originalWidth, originalHeight int) (Plan, error) {
	if originalWidth <= 0 || originalHeight <= 0 {
		return Plan{}, fmt.Errorf("original dimensions must be positive, got %dx%d", originalWidth, originalHeight)
	}
	if spec.Width <= 0 && spec.Height <= 0 {
		return Plan{}, fmt.Errorf("size %s has no dimension", spec)
	}

	ow, oh := float64(originalWidth), float64(originalHeight)
	w, h := float64(spec.Width), float64(spec.Height)

	inferred := false
	switch {
	case spec.Width == 0:
		w = math.Round(h * ow / oh)
		inferred = true
	case spec.Height == 0:
		h = math.Round(w * oh / ow)
		inferred = true
	}

	if spec.ForceCrop && !inferred {
		return clamp(Plan{Width: int(w), Height: int(h), Mode: Cover}), nil
	}

	tw, th := w, h
	if !inferred {
		scale := math.Min(w/ow, h/oh)
		tw = math.Round(ow * scale)
		th = math.Round(oh * scale)
	}

	// Never enlarge: shrink both sides by the limiting ratio.
	if tw > ow || th > oh {
		r := math.Min(ow/tw, oh/th)
		tw = math.Round(tw * r)
		th = math.Round(th * r)
	}

	plan := Plan{
		Width:  min(int(tw), originalWidth),
		Height: min(int(th), originalHeight),
		Mode:   Fit,
	}
	return clamp(plan), nil
}

func clamp(p Plan) Plan {
	p.Width = max(p.Width, 1)
	p.Height = max(p.Height, 1)
	return p
}
