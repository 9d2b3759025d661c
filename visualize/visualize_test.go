package visualize

import (
	"image"
	"image/color"
	"os"
	"testing"

	"github.com/getcharzp/lampseg"
	"github.com/getcharzp/lampseg/maskrcnn"
	"go.viam.com/test"
	"golang.org/x/image/font/gofont/goregular"
)

func fakeResults() []maskrcnn.SegResult {
	mask := image.NewGray(image.Rect(0, 0, 40, 30))
	prob := image.NewGray(image.Rect(0, 0, 40, 30))
	for y := 5; y < 15; y++ {
		for x := 5; x < 20; x++ {
			mask.SetGray(x, y, color.Gray{Y: 255})
			prob.SetGray(x, y, color.Gray{Y: 200})
		}
	}
	return []maskrcnn.SegResult{{
		ClassID: 1,
		Score:   0.9,
		Box:     image.Rect(5, 5, 20, 15),
		Mask:    mask,
		Prob:    prob,
	}}
}

func TestWithGrid(t *testing.T) {
	img := image.NewGray(image.Rect(10, 10, 50, 40))
	out := WithGrid(img, 10, gridRed)
	test.That(t, out.Bounds(), test.ShouldResemble, image.Rect(0, 0, 40, 30))
	test.That(t, out.RGBAAt(10, 0), test.ShouldResemble, gridRed)
	test.That(t, out.RGBAAt(10, 5), test.ShouldResemble, color.RGBA{A: 255})
	test.That(t, out.RGBAAt(3, 20), test.ShouldResemble, gridRed)
	test.That(t, out.RGBAAt(5, 5), test.ShouldResemble, color.RGBA{A: 255})

	plain := WithGrid(img, 0, gridRed)
	test.That(t, plain.RGBAAt(10, 0), test.ShouldResemble, color.RGBA{A: 255})
}

func TestOverlay(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	opts := Options{Alpha: 1, Thickness: 1}
	out := Overlay(img, fakeResults(), opts)

	test.That(t, out.RGBAAt(10, 10), test.ShouldResemble, palette[0])
	test.That(t, out.RGBAAt(30, 25), test.ShouldResemble, color.RGBA{})
	// 原图不变
	test.That(t, img.RGBAAt(10, 10), test.ShouldResemble, color.RGBA{})
}

func TestOverlay_WithLabels(t *testing.T) {
	d, err := lampseg.NewTextDrawerFromBytes(goregular.TTF)
	test.That(t, err, test.ShouldBeNil)
	defer d.Close()

	opts := DefaultOptions()
	opts.Drawer = d
	out := Overlay(image.NewRGBA(image.Rect(0, 0, 40, 30)), fakeResults(), opts)
	test.That(t, out.Bounds(), test.ShouldResemble, image.Rect(0, 0, 40, 30))
}

func TestMix(t *testing.T) {
	test.That(t, mix(0, 200, 0.5), test.ShouldEqual, uint8(100))
	test.That(t, mix(10, 200, 0), test.ShouldEqual, uint8(10))
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	paths, err := Inspect(img, fakeResults(), dir, "set100m_vh_4", DefaultOptions())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, paths, test.ShouldHaveLength, 3)
	for _, p := range paths {
		info, err := os.Stat(p)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, info.Size(), test.ShouldBeGreaterThan, 0)
	}
	test.That(t, paths[1], test.ShouldContainSubstring, "set100m_vh_4_mask_0.png")
}
