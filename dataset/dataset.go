package dataset

import (
	"image"
	"image/draw"
	"math/rand"
	"sync"

	// Mask 常见的 tif / bmp 格式
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "image/jpeg"
	_ "image/png"

	"github.com/pkg/errors"
	"github.com/up-zero/gotool/imageutil"
)

// ErrSizeMismatch 图片与 Mask 尺寸不一致
var ErrSizeMismatch = errors.New("图片与 Mask 尺寸不一致")

// Target 单张图片的标注
type Target struct {
	Boxes   [][4]float32 // N x (xmin, ymin, xmax, ymax)
	Labels  []int64
	Masks   []*image.Gray // N 张与原图同尺寸的二值 Mask
	ImageID int64
	Area    []float32
	IsCrowd []int64
}

// Len 实例数
func (t Target) Len() int {
	return len(t.Boxes)
}

// Instances 将标注还原为实例列表, ID 为实例下标+1
//
// 变换后的样本也可以直接使用, 不需要重新解码 Mask。
func (t Target) Instances() []Instance {
	instances := make([]Instance, t.Len())
	for i := range instances {
		in := Instance{
			ID:    uint32(i + 1),
			Label: t.Labels[i],
			Box:   t.Boxes[i],
			Area:  t.Area[i],
			Mask:  t.Masks[i],
		}
		if in.Mask != nil {
			for _, v := range in.Mask.Pix {
				if v != 0 {
					in.Pixels++
				}
			}
		}
		instances[i] = in
	}
	return instances
}

// NewTarget 由实例列表构建标注, 所有实例都不是 crowd
func NewTarget(instances []Instance, imageID int64) Target {
	n := len(instances)
	t := Target{
		Boxes:   make([][4]float32, n),
		Labels:  make([]int64, n),
		Masks:   make([]*image.Gray, n),
		ImageID: imageID,
		Area:    make([]float32, n),
		IsCrowd: make([]int64, n),
	}
	for i, in := range instances {
		t.Boxes[i] = in.Box
		t.Labels[i] = in.Label
		t.Masks[i] = in.Mask
		t.Area[i] = in.Area
	}
	return t
}

// Sample 一条样本
type Sample struct {
	Image  *image.NRGBA
	Target Target
}

// Dataset 图片与实例 Mask 数据集
type Dataset struct {
	layout    Layout
	pairs     []Pair
	decode    DecodeOptions
	transform Transform

	mu  sync.Mutex
	rng *rand.Rand
}

// Option 数据集可选参数
type Option func(*Dataset)

// WithDecodeOptions 设置 Mask 解码参数
func WithDecodeOptions(opts DecodeOptions) Option {
	return func(d *Dataset) { d.decode = opts }
}

// WithTransform 设置样本变换
func WithTransform(t Transform) Option {
	return func(d *Dataset) { d.transform = t }
}

// WithSeed 设置随机变换的种子
func WithSeed(seed int64) Option {
	return func(d *Dataset) { d.rng = rand.New(rand.NewSource(seed)) }
}

// New 创建数据集
func New(layout Layout, opts ...Option) (*Dataset, error) {
	pairs, err := ListPairs(layout)
	if err != nil {
		return nil, err
	}
	d := &Dataset{
		layout: layout,
		pairs:  pairs,
		decode: DefaultDecodeOptions(),
		rng:    rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Len 样本数
func (d *Dataset) Len() int {
	return len(d.pairs)
}

// Pair 返回第 i 组文件
func (d *Dataset) Pair(i int) Pair {
	return d.pairs[i]
}

// Layout 数据集目录结构
func (d *Dataset) Layout() Layout {
	return d.layout
}

// DecodeOptions Mask 解码参数
func (d *Dataset) DecodeOptions() DecodeOptions {
	return d.decode
}

// Instances 解码第 i 张 Mask, 不读取原图
func (d *Dataset) Instances(i int) ([]Instance, error) {
	if i < 0 || i >= len(d.pairs) {
		return nil, errors.Errorf("下标 %d 越界 [0, %d)", i, len(d.pairs))
	}
	mask, err := imageutil.Open(d.pairs[i].MaskPath)
	if err != nil {
		return nil, errors.Wrapf(err, "打开 Mask 失败: %s", d.pairs[i].MaskPath)
	}
	instances, err := DecodeInstances(NewRaster(mask), d.decode)
	if err != nil {
		return nil, errors.Wrapf(err, "解码 Mask 失败: %s", d.pairs[i].MaskPath)
	}
	return instances, nil
}

// Get 返回第 i 条样本
func (d *Dataset) Get(i int) (Sample, error) {
	if i < 0 || i >= len(d.pairs) {
		return Sample{}, errors.Errorf("下标 %d 越界 [0, %d)", i, len(d.pairs))
	}
	pair := d.pairs[i]

	img, err := imageutil.Open(pair.ImagePath)
	if err != nil {
		return Sample{}, errors.Wrapf(err, "打开图片失败: %s", pair.ImagePath)
	}
	mask, err := imageutil.Open(pair.MaskPath)
	if err != nil {
		return Sample{}, errors.Wrapf(err, "打开 Mask 失败: %s", pair.MaskPath)
	}
	if img.Bounds().Size() != mask.Bounds().Size() {
		return Sample{}, errors.Wrapf(ErrSizeMismatch, "%s %v, %s %v",
			pair.ImagePath, img.Bounds().Size(), pair.MaskPath, mask.Bounds().Size())
	}

	instances, err := DecodeInstances(NewRaster(mask), d.decode)
	if err != nil {
		return Sample{}, errors.Wrapf(err, "解码 Mask 失败: %s", pair.MaskPath)
	}

	sample := Sample{
		Image:  toNRGBA(img),
		Target: NewTarget(instances, int64(i)),
	}
	if d.transform != nil {
		d.mu.Lock()
		sample, err = d.transform.Apply(sample, d.rng)
		d.mu.Unlock()
		if err != nil {
			return Sample{}, errors.Wrap(err, "样本变换失败")
		}
	}
	return sample, nil
}

// toNRGBA 转换为从 (0,0) 开始的 RGB 图像
func toNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	// 丢弃透明通道
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 255
	}
	return dst
}
