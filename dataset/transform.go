package dataset

import (
	"image"
	"math/rand"

	"github.com/disintegration/imaging"
)

// Transform 样本变换, 同时作用于图片和标注
type Transform interface {
	Apply(s Sample, rng *rand.Rand) (Sample, error)
}

// TransformFunc 函数形式的 Transform
type TransformFunc func(s Sample, rng *rand.Rand) (Sample, error)

// Apply 实现 Transform
func (f TransformFunc) Apply(s Sample, rng *rand.Rand) (Sample, error) {
	return f(s, rng)
}

// Compose 依次执行多个变换
type Compose []Transform

// Apply 实现 Transform
func (c Compose) Apply(s Sample, rng *rand.Rand) (Sample, error) {
	var err error
	for _, t := range c {
		if s, err = t.Apply(s, rng); err != nil {
			return Sample{}, err
		}
	}
	return s, nil
}

// RandomHorizontalFlip 以概率 P 水平翻转图片、Mask 和检测框
type RandomHorizontalFlip struct {
	P float64
}

// Apply 实现 Transform
func (f RandomHorizontalFlip) Apply(s Sample, rng *rand.Rand) (Sample, error) {
	if rng.Float64() >= f.P {
		return s, nil
	}
	return FlipHorizontal(s), nil
}

// FlipHorizontal 水平翻转样本
func FlipHorizontal(s Sample) Sample {
	w := float32(s.Image.Bounds().Dx())

	out := Sample{
		Image:  imaging.FlipH(s.Image),
		Target: s.Target,
	}
	out.Target.Boxes = make([][4]float32, len(s.Target.Boxes))
	for i, b := range s.Target.Boxes {
		// 像素 x 翻转到 w-1-x
		out.Target.Boxes[i] = [4]float32{w - 1 - b[2], b[1], w - 1 - b[0], b[3]}
	}
	out.Target.Masks = make([]*image.Gray, len(s.Target.Masks))
	for i, m := range s.Target.Masks {
		out.Target.Masks[i] = flipGray(m)
	}
	return out
}

func flipGray(m *image.Gray) *image.Gray {
	flipped := imaging.FlipH(m)
	b := flipped.Bounds()
	dst := image.NewGray(b)
	for i := range dst.Pix {
		dst.Pix[i] = flipped.Pix[i*4]
	}
	return dst
}

// TrainTransform 训练集变换: 0.5 概率水平翻转
func TrainTransform() Transform {
	return Compose{RandomHorizontalFlip{P: 0.5}}
}

// EvalTransform 测试集变换: 不做增强
func EvalTransform() Transform {
	return Compose{}
}
