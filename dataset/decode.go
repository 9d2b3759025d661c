package dataset

import (
	"image"
	"image/color"
	"slices"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

var (
	// ErrNoInstances Mask 中没有前景实例
	ErrNoInstances = errors.New("Mask 中没有实例")
	// ErrInstanceCount 实例数与预期不符
	ErrInstanceCount = errors.New("实例数与预期不符")
)

// Raster 单通道实例编码图, 0 为背景, 每个非零值代表一个实例
type Raster struct {
	Width, Height int
	Pix           []uint32
}

// NewRaster 将 Mask 图像转换为实例编码图
//
// 调色板图取调色板索引, 灰度图取灰度值, 彩色图按 r<<16|g<<8|b 打包。
func NewRaster(img image.Image) *Raster {
	b := img.Bounds()
	r := &Raster{
		Width:  b.Dx(),
		Height: b.Dy(),
		Pix:    make([]uint32, b.Dx()*b.Dy()),
	}

	switch m := img.(type) {
	case *image.Paletted:
		for y := 0; y < r.Height; y++ {
			for x := 0; x < r.Width; x++ {
				r.Pix[y*r.Width+x] = uint32(m.ColorIndexAt(b.Min.X+x, b.Min.Y+y))
			}
		}
	case *image.Gray:
		for y := 0; y < r.Height; y++ {
			for x := 0; x < r.Width; x++ {
				r.Pix[y*r.Width+x] = uint32(m.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	case *image.Gray16:
		for y := 0; y < r.Height; y++ {
			for x := 0; x < r.Width; x++ {
				r.Pix[y*r.Width+x] = uint32(m.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	default:
		for y := 0; y < r.Height; y++ {
			for x := 0; x < r.Width; x++ {
				c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				r.Pix[y*r.Width+x] = uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
			}
		}
	}
	return r
}

// At 返回 (x, y) 处的实例编号
func (r *Raster) At(x, y int) uint32 {
	return r.Pix[y*r.Width+x]
}

// ObjectIDs 返回排序后的非零实例编号
func (r *Raster) ObjectIDs() []uint32 {
	ids := lo.Uniq(lo.Filter(r.Pix, func(v uint32, _ int) bool { return v != 0 }))
	slices.Sort(ids)
	return ids
}

// DecodeOptions Mask 解码参数
type DecodeOptions struct {
	Label             int64 `yaml:"label"`              // 所有实例的类别 (默认 1)
	ExpectedInstances int   `yaml:"expected_instances"` // 预期实例数, 0 表示不校验
	MinPixels         int   `yaml:"min_pixels"`         // 像素数少于该值的编号视为噪声, 0 表示全部保留
}

// DefaultDecodeOptions 默认解码参数
func DefaultDecodeOptions() DecodeOptions {
	return DecodeOptions{Label: 1}
}

// Instance 单个实例
type Instance struct {
	ID     uint32
	Label  int64
	Box    [4]float32 // xmin, ymin, xmax, ymax
	Area   float32    // (xmax-xmin)*(ymax-ymin)
	Pixels int        // 实例像素数
	Mask   *image.Gray
}

// Rect 检测框对应的 image.Rectangle (右下角为开区间)
func (in Instance) Rect() image.Rectangle {
	return image.Rect(int(in.Box[0]), int(in.Box[1]), int(in.Box[2])+1, int(in.Box[3])+1)
}

// DecodeInstances 将实例编码图拆分为实例列表
//
// 取所有非零编号 (可按 MinPixels 过滤噪声), 每个编号生成一张二值 Mask,
// 检测框为该实例像素行列下标的最小/最大值。
//
// # Params:
//
//	r: 实例编码图
//	opts: 解码参数
func DecodeInstances(r *Raster, opts DecodeOptions) ([]Instance, error) {
	if opts.Label == 0 {
		opts.Label = 1
	}

	type extent struct {
		minX, minY, maxX, maxY int
		pixels                 int
	}
	extents := make(map[uint32]*extent)
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			id := r.At(x, y)
			if id == 0 {
				continue
			}
			e, ok := extents[id]
			if !ok {
				e = &extent{minX: x, minY: y, maxX: x, maxY: y}
				extents[id] = e
			}
			e.minX = min(e.minX, x)
			e.minY = min(e.minY, y)
			e.maxX = max(e.maxX, x)
			e.maxY = max(e.maxY, y)
			e.pixels++
		}
	}

	ids := lo.Filter(lo.Keys(extents), func(id uint32, _ int) bool {
		return extents[id].pixels >= opts.MinPixels
	})
	slices.Sort(ids)

	if len(ids) == 0 {
		return nil, errors.Wrapf(ErrNoInstances, "共 %d 个非零编号", len(extents))
	}
	if opts.ExpectedInstances > 0 && len(ids) != opts.ExpectedInstances {
		return nil, errors.Wrapf(ErrInstanceCount, "预期 %d 个, 实际 %d 个", opts.ExpectedInstances, len(ids))
	}

	index := make(map[uint32]int, len(ids))
	instances := make([]Instance, len(ids))
	for i, id := range ids {
		e := extents[id]
		box := [4]float32{float32(e.minX), float32(e.minY), float32(e.maxX), float32(e.maxY)}
		instances[i] = Instance{
			ID:     id,
			Label:  opts.Label,
			Box:    box,
			Area:   (box[2] - box[0]) * (box[3] - box[1]),
			Pixels: e.pixels,
			Mask:   image.NewGray(image.Rect(0, 0, r.Width, r.Height)),
		}
		index[id] = i
	}

	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			if i, ok := index[r.At(x, y)]; ok {
				instances[i].Mask.Pix[y*r.Width+x] = 255
			}
		}
	}
	return instances, nil
}
