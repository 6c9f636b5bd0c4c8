// Package sizespec parses the size segment of an image URL, such as
// "300x0" or "100x100!", into resize parameters.
package sizespec

import (
	stderrors "errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	pxerr "github.com/pixcache/pixcache/internal/errors"
)

// DefaultMaxDimension is the largest width or height accepted by Parse.
const DefaultMaxDimension = 3000

// cropMarker requests a cover crop. encodedCropMarker is its
// percent-encoded form, accepted because some clients escape "!".
const (
	cropMarker        = "!"
	encodedCropMarker = "%21"
)

var tokenPattern = regexp.MustCompile(`^(\d+)x(\d+)(!|%21)?$`)

// SizeSpec is a requested target size. A zero width or height means the
// side is derived from the original's aspect ratio. Width and Height are
// never both zero in a parsed spec.
type SizeSpec struct {
	Width     int
	Height    int
	ForceCrop bool
}

// String returns the canonical token, e.g. "300x0" or "100x100!".
func (s SizeSpec) String() string {
	if s.ForceCrop {
		return fmt.Sprintf("%dx%d%s", s.Width, s.Height, cropMarker)
	}
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Parser validates size tokens against a dimension ceiling.
type Parser struct {
	MaxDimension int
}

// NewParser returns a Parser with the given ceiling, or the default when
// max is not positive.
func NewParser(max int) *Parser {
	if max <= 0 {
		max = DefaultMaxDimension
	}
	return &Parser{MaxDimension: max}
}

// Parse parses token using DefaultMaxDimension.
func Parse(token string) (SizeSpec, error) {
	return NewParser(DefaultMaxDimension).Parse(token)
}

// Match reports whether token has the shape of a size segment. It does not
// check dimension limits, so a matching token can still fail Parse.
func Match(token string) bool {
	return tokenPattern.MatchString(token)
}

// Parse converts token into a SizeSpec. Tokens that do not match the size
// grammar fail with KindInvalidSizeSpec; tokens whose dimensions are both
// zero or exceed the ceiling fail with KindInvalidDimensions.
func (p *Parser) Parse(token string) (SizeSpec, error) {
	m := tokenPattern.FindStringSubmatch(token)
	if m == nil {
		return SizeSpec{}, pxerr.New(pxerr.KindInvalidSizeSpec, "invalid size %q", token)
	}

	width, err := p.dimension(m[1])
	if err != nil {
		return SizeSpec{}, err
	}
	height, err := p.dimension(m[2])
	if err != nil {
		return SizeSpec{}, err
	}
	if width == 0 && height == 0 {
		return SizeSpec{}, pxerr.New(pxerr.KindInvalidDimensions, "width and height cannot both be zero")
	}

	return SizeSpec{
		Width:     width,
		Height:    height,
		ForceCrop: m[3] == cropMarker || strings.EqualFold(m[3], encodedCropMarker),
	}, nil
}

func (p *Parser) dimension(digits string) (int, error) {
	n, err := strconv.ParseUint(digits, 10, 32)
	if err != nil {
		if stderrors.Is(err, strconv.ErrRange) {
			return 0, pxerr.New(pxerr.KindInvalidDimensions, "dimension %s exceeds maximum of %d", digits, p.MaxDimension)
		}
		return 0, pxerr.Wrap(pxerr.KindInvalidSizeSpec, err, "invalid dimension %q", digits)
	}
	if int(n) > p.MaxDimension {
		return 0, pxerr.New(pxerr.KindInvalidDimensions, "dimension %d exceeds maximum of %d", n, p.MaxDimension)
	}
	return int(n), nil
}
