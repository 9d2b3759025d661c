package dataset

import (
	"image"
	"image/color"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

// fourChambers 生成 4 个矩形实例 (编号 10, 20, 30, 40) 的编码图
func fourChambers(w, h int) *image.Gray {
	m := image.NewGray(image.Rect(0, 0, w, h))
	fill := func(r image.Rectangle, v uint8) {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				m.SetGray(x, y, color.Gray{Y: v})
			}
		}
	}
	fill(image.Rect(1, 1, 5, 4), 10)
	fill(image.Rect(10, 2, 14, 9), 20)
	fill(image.Rect(2, 12, 3, 13), 30)
	fill(image.Rect(15, 15, 19, 18), 40)
	return m
}

func TestDecodeInstances_FourChambers(t *testing.T) {
	mask := fourChambers(20, 20)
	r := NewRaster(mask)
	test.That(t, r.ObjectIDs(), test.ShouldResemble, []uint32{10, 20, 30, 40})

	instances, err := DecodeInstances(r, DecodeOptions{Label: 1, ExpectedInstances: 4})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, instances, test.ShouldHaveLength, 4)

	union := make([]bool, len(mask.Pix))
	for _, in := range instances {
		test.That(t, in.Label, test.ShouldEqual, int64(1))
		test.That(t, in.Box[0], test.ShouldBeLessThanOrEqualTo, in.Box[2])
		test.That(t, in.Box[1], test.ShouldBeLessThanOrEqualTo, in.Box[3])
		test.That(t, in.Area, test.ShouldEqual, (in.Box[2]-in.Box[0])*(in.Box[3]-in.Box[1]))
		for i, v := range in.Mask.Pix {
			if v > 0 {
				test.That(t, union[i], test.ShouldBeFalse)
				union[i] = true
			}
		}
	}
	for i, v := range mask.Pix {
		test.That(t, union[i], test.ShouldEqual, v != 0)
	}

	test.That(t, instances[0].Box, test.ShouldResemble, [4]float32{1, 1, 4, 3})
	test.That(t, instances[1].Box, test.ShouldResemble, [4]float32{10, 2, 13, 8})
	test.That(t, instances[2].Area, test.ShouldEqual, float32(0))
	test.That(t, instances[2].Pixels, test.ShouldEqual, 1)
}

func TestDecodeInstances_CountMismatch(t *testing.T) {
	mask := image.NewGray(image.Rect(0, 0, 8, 8))
	mask.SetGray(1, 1, color.Gray{Y: 3})
	mask.SetGray(5, 5, color.Gray{Y: 7})

	_, err := DecodeInstances(NewRaster(mask), DecodeOptions{ExpectedInstances: 4})
	test.That(t, errors.Is(err, ErrInstanceCount), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "预期 4 个, 实际 2 个")

	// 多于预期同样报错
	_, err = DecodeInstances(NewRaster(fourChambers(20, 20)), DecodeOptions{ExpectedInstances: 3})
	test.That(t, errors.Is(err, ErrInstanceCount), test.ShouldBeTrue)
}

func TestDecodeInstances_Empty(t *testing.T) {
	_, err := DecodeInstances(NewRaster(image.NewGray(image.Rect(0, 0, 4, 4))), DefaultDecodeOptions())
	test.That(t, errors.Is(err, ErrNoInstances), test.ShouldBeTrue)
}

func TestDecodeInstances_MinPixelsDropsNoise(t *testing.T) {
	mask := fourChambers(20, 20)
	// 噪声像素
	mask.SetGray(0, 19, color.Gray{Y: 99})

	_, err := DecodeInstances(NewRaster(mask), DecodeOptions{ExpectedInstances: 4})
	test.That(t, errors.Is(err, ErrInstanceCount), test.ShouldBeTrue)

	// 编号 30 只有 1 个像素, 与噪声一起被过滤
	instances, err := DecodeInstances(NewRaster(mask), DecodeOptions{MinPixels: 2})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, instances, test.ShouldHaveLength, 3)
	test.That(t, instances[2].ID, test.ShouldEqual, uint32(40))
}

func TestNewRaster_ColorAndPalette(t *testing.T) {
	rgb := image.NewNRGBA(image.Rect(0, 0, 4, 2))
	rgb.Set(0, 0, color.NRGBA{R: 255, A: 255})
	rgb.Set(1, 0, color.NRGBA{R: 255, A: 255})
	rgb.Set(3, 1, color.NRGBA{G: 128, B: 1, A: 255})
	r := NewRaster(rgb)
	test.That(t, r.ObjectIDs(), test.ShouldResemble, []uint32{128<<8 | 1, 255 << 16})

	pal := image.NewPaletted(image.Rect(0, 0, 3, 3), color.Palette{color.Black, color.White, color.Gray{Y: 10}})
	pal.SetColorIndex(1, 1, 2)
	pal.SetColorIndex(2, 2, 1)
	instances, err := DecodeInstances(NewRaster(pal), DefaultDecodeOptions())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, instances, test.ShouldHaveLength, 2)
	test.That(t, instances[0].ID, test.ShouldEqual, uint32(1))
	test.That(t, instances[0].Box, test.ShouldResemble, [4]float32{2, 2, 2, 2})
	test.That(t, instances[0].Rect(), test.ShouldResemble, image.Rect(2, 2, 3, 3))
}

func TestNewTarget(t *testing.T) {
	instances, err := DecodeInstances(NewRaster(fourChambers(20, 20)), DefaultDecodeOptions())
	test.That(t, err, test.ShouldBeNil)

	target := NewTarget(instances, 7)
	test.That(t, target.Len(), test.ShouldEqual, 4)
	test.That(t, target.ImageID, test.ShouldEqual, int64(7))
	test.That(t, target.IsCrowd, test.ShouldResemble, []int64{0, 0, 0, 0})
	test.That(t, target.Labels, test.ShouldResemble, []int64{1, 1, 1, 1})
	test.That(t, target.Masks, test.ShouldHaveLength, 4)
}

func TestTarget_Instances(t *testing.T) {
	instances, err := DecodeInstances(NewRaster(fourChambers(20, 20)), DefaultDecodeOptions())
	test.That(t, err, test.ShouldBeNil)

	back := NewTarget(instances, 0).Instances()
	test.That(t, back, test.ShouldHaveLength, len(instances))
	for i, in := range back {
		test.That(t, in.ID, test.ShouldEqual, uint32(i+1))
		test.That(t, in.Box, test.ShouldResemble, instances[i].Box)
		test.That(t, in.Area, test.ShouldEqual, instances[i].Area)
		test.That(t, in.Pixels, test.ShouldEqual, instances[i].Pixels)
		test.That(t, in.Mask, test.ShouldEqual, instances[i].Mask)
	}

	// 翻转后的标注仍然可以还原
	flipped := FlipHorizontal(Sample{Image: image.NewNRGBA(image.Rect(0, 0, 20, 20)), Target: NewTarget(instances, 0)})
	test.That(t, flipped.Target.Instances()[0].Pixels, test.ShouldEqual, instances[0].Pixels)
}
