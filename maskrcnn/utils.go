package maskrcnn

import (
	"image"
	"image/color"
	"sort"

	ort "github.com/yalue/onnxruntime_go"
)

// imageParams 图片尺寸信息
type imageParams struct {
	origW, origH int
}

// rawOutput 模型原始输出
type rawOutput struct {
	boxes  []float32 // N x 4, x1 y1 x2 y2
	labels []int64
	scores []float32
	masks  []float32 // N x 1 x H x W 概率
	n      int
	maskH  int
	maskW  int
}

// preprocess 预处理, 模型内部完成缩放与归一化, 这里只转为 CHW 的 0-1 浮点
func preprocess(img image.Image) (*ort.Tensor[float32], imageParams, error) {
	data, params := toCHW(img)
	shape := ort.NewShape(3, int64(params.origH), int64(params.origW))
	tensor, err := ort.NewTensor(shape, data)
	return tensor, params, err
}

func toCHW(img image.Image) ([]float32, imageParams) {
	bounds := img.Bounds()
	params := imageParams{
		origW: bounds.Dx(),
		origH: bounds.Dy(),
	}
	plane := params.origW * params.origH
	data := make([]float32, 3*plane)
	for y := 0; y < params.origH; y++ {
		for x := 0; x < params.origW; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			idx := y*params.origW + x
			data[idx] = float32(r) / 65535.0         // R
			data[plane+idx] = float32(g) / 65535.0   // G
			data[2*plane+idx] = float32(b) / 65535.0 // B
		}
	}
	return data, params
}

// postprocess 后处理, 过滤低分结果并生成原图尺寸的 Mask
//
// # Params:
//
//	out: 模型原始输出
//	params: 图片尺寸信息
//	scoreThresh: 置信度阈值
//	maskThresh: Mask 二值化阈值
func postprocess(out rawOutput, params imageParams, scoreThresh, maskThresh float32) []SegResult {
	results := make([]SegResult, 0, out.n)
	plane := out.maskH * out.maskW

	for i := 0; i < out.n; i++ {
		score := out.scores[i]
		if score < scoreThresh {
			continue
		}

		x1 := max(0, int(out.boxes[i*4+0]))
		y1 := max(0, int(out.boxes[i*4+1]))
		x2 := min(params.origW, int(out.boxes[i*4+2]+0.5))
		y2 := min(params.origH, int(out.boxes[i*4+3]+0.5))

		prob, mask := decodeMask(out.masks[i*plane:(i+1)*plane], out.maskW, out.maskH, params, maskThresh)
		results = append(results, SegResult{
			ClassID: int(out.labels[i]),
			Score:   score,
			Box:     image.Rect(x1, y1, x2, y2),
			Mask:    mask,
			Prob:    prob,
		})
	}

	// 导出的模型已按分数排序, 这里保证顺序稳定
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}

// decodeMask Mask 解码, 最近邻映射到原图尺寸
func decodeMask(probs []float32, w, h int, params imageParams, thresh float32) (*image.Gray, *image.Gray) {
	rect := image.Rect(0, 0, params.origW, params.origH)
	prob := image.NewGray(rect)
	mask := image.NewGray(rect)

	for y := 0; y < params.origH; y++ {
		my := min(h-1, y*h/params.origH)
		for x := 0; x < params.origW; x++ {
			mx := min(w-1, x*w/params.origW)
			p := probs[my*w+mx]
			prob.SetGray(x, y, color.Gray{Y: uint8(clamp01(p)*255 + 0.5)})
			if p > thresh {
				mask.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return prob, mask
}

func clamp01(v float32) float32 {
	return min(max(v, 0), 1)
}

// computeIOU 两个二值 Mask 的交并比
func computeIOU(a, b *image.Gray) float32 {
	inter, union := 0, 0
	for i := range a.Pix {
		av, bv := a.Pix[i] > 0, b.Pix[i] > 0
		if av && bv {
			inter++
		}
		if av || bv {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float32(inter) / float32(union)
}
