package geometry

import (
	"math"
	"testing"

	"github.com/pixcache/pixcache/internal/sizespec"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name   string
		spec   sizespec.SizeSpec
		ow, oh int
		want   Plan
	}{
		{"zero height inferred", sizespec.SizeSpec{Width: 300}, 1200, 800, Plan{300, 200, Fit}},
		{"zero width inferred", sizespec.SizeSpec{Height: 200}, 1200, 800, Plan{300, 200, Fit}},
		{"crop is exact", sizespec.SizeSpec{Width: 100, Height: 100, ForceCrop: true}, 1200, 800, Plan{100, 100, Cover}},
		{"crop may enlarge", sizespec.SizeSpec{Width: 2000, Height: 2000, ForceCrop: true}, 1200, 800, Plan{2000, 2000, Cover}},
		{"both set fits inside box", sizespec.SizeSpec{Width: 500, Height: 500}, 1200, 800, Plan{500, 333, Fit}},
		{"both set limited by height", sizespec.SizeSpec{Width: 1000, Height: 100}, 1200, 800, Plan{150, 100, Fit}},
		{"oversize box keeps original", sizespec.SizeSpec{Width: 3000, Height: 3000}, 1200, 800, Plan{1200, 800, Fit}},
		{"oversize width inferred", sizespec.SizeSpec{Width: 2400}, 1200, 800, Plan{1200, 800, Fit}},
		{"oversize height inferred", sizespec.SizeSpec{Height: 1600}, 1200, 800, Plan{1200, 800, Fit}},
		{"crop with zero side falls back to fit", sizespec.SizeSpec{Width: 300, ForceCrop: true}, 1200, 800, Plan{300, 200, Fit}},
		{"tiny inferred side clamps to one", sizespec.SizeSpec{Width: 1}, 1000, 10, Plan{1, 1, Fit}},
		{"tall sliver", sizespec.SizeSpec{Width: 100}, 1, 1000, Plan{1, 1000, Fit}},
		{"exact original", sizespec.SizeSpec{Width: 1200, Height: 800}, 1200, 800, Plan{1200, 800, Fit}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.spec, tt.ow, tt.oh)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%s, %dx%d) = %+v, want %+v", tt.spec, tt.ow, tt.oh, got, tt.want)
			}
		})
	}
}

func TestResolveRejectsBadOriginal(t *testing.T) {
	spec := sizespec.SizeSpec{Width: 10, Height: 10}
	for _, dims := range [][2]int{{0, 10}, {10, 0}, {-1, 5}} {
		if _, err := Resolve(spec, dims[0], dims[1]); err == nil {
			t.Errorf("Resolve with original %v: expected error", dims)
		}
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	spec := sizespec.SizeSpec{Width: 640, Height: 480}
	first, _ := Resolve(spec, 4032, 3024)
	for i := 0; i < 10; i++ {
		again, _ := Resolve(spec, 4032, 3024)
		if again != first {
			t.Fatalf("Resolve not deterministic: %+v vs %+v", again, first)
		}
	}
}

func TestFitNeverEnlarges(t *testing.T) {
	originals := [][2]int{{1, 1}, {13, 7}, {800, 600}, {600, 800}, {1920, 1080}, {3000, 5}}
	for _, o := range originals {
		for w := 0; w <= 3000; w += 97 {
			for h := 0; h <= 3000; h += 131 {
				if w == 0 && h == 0 {
					continue
				}
				spec := sizespec.SizeSpec{Width: w, Height: h}
				p, err := Resolve(spec, o[0], o[1])
				if err != nil {
					t.Fatalf("Resolve(%s, %v): %v", spec, o, err)
				}
				if p.Mode != Fit {
					t.Fatalf("Resolve(%s) mode = %s", spec, p.Mode)
				}
				if p.Width > o[0] || p.Height > o[1] {
					t.Fatalf("Resolve(%s, %v) = %+v enlarges original", spec, o, p)
				}
				if p.Width < 1 || p.Height < 1 {
					t.Fatalf("Resolve(%s, %v) = %+v below minimum", spec, o, p)
				}
			}
		}
	}
}

func TestZeroSideInferenceTracksAspect(t *testing.T) {
	ow, oh := 1200, 800
	for w := 1; w <= ow; w += 37 {
		p, err := Resolve(sizespec.SizeSpec{Width: w}, ow, oh)
		if err != nil {
			t.Fatal(err)
		}
		want := float64(w) * float64(oh) / float64(ow)
		if math.Abs(float64(p.Height)-want) > 1 {
			t.Errorf("width %d: height %d, want about %.1f", w, p.Height, want)
		}
	}
}

func TestModeString(t *testing.T) {
	if Fit.String() != "fit" || Cover.String() != "cover" {
		t.Errorf("mode names: %s %s", Fit, Cover)
	}
}
