// Package visualize 将预测结果写成便于人工检查的图片
package visualize

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"path/filepath"

	"github.com/getcharzp/lampseg"
	"github.com/getcharzp/lampseg/maskrcnn"
	"github.com/pkg/errors"
	"github.com/up-zero/gotool/imageutil"
)

// 实例颜色, 按结果顺序循环使用
var palette = []color.RGBA{
	{R: 230, G: 25, B: 75, A: 255},
	{R: 60, G: 180, B: 75, A: 255},
	{R: 0, G: 130, B: 200, A: 255},
	{R: 245, G: 130, B: 48, A: 255},
	{R: 145, G: 30, B: 180, A: 255},
	{R: 70, G: 240, B: 240, A: 255},
}

var (
	gridRed   = color.RGBA{R: 255, A: 255}
	gridWhite = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// Options 绘制参数
type Options struct {
	GridStep  int                 // 网格间距, <=0 不画网格
	Alpha     float64             // Mask 叠加透明度 (0-1)
	Thickness int                 // 检测框线宽
	Drawer    *lampseg.TextDrawer // (可选) 绘制分数标签
}

// DefaultOptions 默认绘制参数
func DefaultOptions() Options {
	return Options{GridStep: 50, Alpha: 0.45, Thickness: 2}
}

// WithGrid 复制图片并画虚线网格
//
// # Params:
//
//	img: 原图
//	step: 网格间距
//	c: 网格颜色
func WithGrid(img image.Image, step int, c color.Color) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	if step <= 0 {
		return dst
	}

	const dash, gap = 4, 3
	w, h := dst.Bounds().Dx(), dst.Bounds().Dy()
	for x := step; x < w; x += step {
		for y := 0; y < h; y++ {
			if y%(dash+gap) < dash {
				dst.Set(x, y, c)
			}
		}
	}
	for y := step; y < h; y += step {
		for x := 0; x < w; x++ {
			if x%(dash+gap) < dash {
				dst.Set(x, y, c)
			}
		}
	}
	return dst
}

// Overlay 将 Mask 以半透明颜色叠加到原图, 并绘制检测框
func Overlay(img image.Image, results []maskrcnn.SegResult, opts Options) *image.RGBA {
	dst := WithGrid(img, 0, nil)
	origin := img.Bounds().Min

	for i, res := range results {
		c := palette[i%len(palette)]
		if res.Mask != nil {
			blendMask(dst, res.Mask, c, opts.Alpha)
		}
		box := res.Box.Sub(origin)
		if opts.Thickness > 0 && !box.Empty() {
			imageutil.DrawThickRectOutline(dst, box, c, opts.Thickness)
		}
		if opts.Drawer != nil {
			opts.Drawer.DrawLabel(dst, fmt.Sprintf("%d: %.2f", res.ClassID, res.Score), box.Min, c, gridWhite)
		}
	}
	return dst
}

func blendMask(dst *image.RGBA, mask *image.Gray, c color.RGBA, alpha float64) {
	b := mask.Bounds().Intersect(dst.Bounds())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if mask.GrayAt(x, y).Y == 0 {
				continue
			}
			o := dst.RGBAAt(x, y)
			dst.SetRGBA(x, y, color.RGBA{
				R: mix(o.R, c.R, alpha),
				G: mix(o.G, c.G, alpha),
				B: mix(o.B, c.B, alpha),
				A: 255,
			})
		}
	}
}

func mix(a, b uint8, alpha float64) uint8 {
	return uint8(float64(a)*(1-alpha) + float64(b)*alpha + 0.5)
}

// MaskChannels 每个实例的 Mask 概率图保存为一张带白色网格的图片
//
// # Params:
//
//	results: 预测结果
//	dir: 输出目录
//	prefix: 文件名前缀
//	step: 网格间距
func MaskChannels(results []maskrcnn.SegResult, dir, prefix string, step int) ([]string, error) {
	paths := make([]string, 0, len(results))
	for i, res := range results {
		plane := res.Prob
		if plane == nil {
			plane = res.Mask
		}
		if plane == nil {
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_mask_%d.png", prefix, i))
		if err := imageutil.Save(path, WithGrid(plane, step, gridWhite), 100); err != nil {
			return paths, errors.Wrapf(err, "保存 %s 失败", path)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// Inspect 输出原图 (红色网格)、每个 Mask 概率图以及叠加图
func Inspect(img image.Image, results []maskrcnn.SegResult, dir, prefix string, opts Options) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "创建输出目录失败")
	}

	inputPath := filepath.Join(dir, prefix+"_input.png")
	if err := imageutil.Save(inputPath, WithGrid(img, opts.GridStep, gridRed), 100); err != nil {
		return nil, errors.Wrapf(err, "保存 %s 失败", inputPath)
	}
	paths := []string{inputPath}

	maskPaths, err := MaskChannels(results, dir, prefix, opts.GridStep)
	paths = append(paths, maskPaths...)
	if err != nil {
		return paths, err
	}

	overlayPath := filepath.Join(dir, prefix+"_overlay.png")
	if err := imageutil.Save(overlayPath, Overlay(img, results, opts), 100); err != nil {
		return paths, errors.Wrapf(err, "保存 %s 失败", overlayPath)
	}
	return append(paths, overlayPath), nil
}
