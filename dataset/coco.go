package dataset

import (
	"image"
	"io"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// COCO 格式的实例标注, 供参考训练脚本的 coco_utils 读取
type COCO struct {
	Images      []COCOImage      `json:"images"`
	Annotations []COCOAnnotation `json:"annotations"`
	Categories  []COCOCategory   `json:"categories"`
}

type COCOImage struct {
	ID       int64  `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type COCOAnnotation struct {
	ID           int64      `json:"id"`
	ImageID      int64      `json:"image_id"`
	CategoryID   int64      `json:"category_id"`
	BBox         [4]float32 `json:"bbox"` // x, y, w, h
	Area         float32    `json:"area"`
	IsCrowd      int64      `json:"iscrowd"`
	Segmentation RLE        `json:"segmentation"`
}

type COCOCategory struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// RLE 未压缩的 COCO run-length 编码, 按列优先展开
type RLE struct {
	Size   [2]int `json:"size"` // h, w
	Counts []int  `json:"counts"`
}

// EncodeRLE 将二值 Mask 编码为 RLE, 第一段为 0 的个数
func EncodeRLE(m *image.Gray) RLE {
	b := m.Bounds()
	w, h := b.Dx(), b.Dy()
	rle := RLE{Size: [2]int{h, w}}

	var prev uint8
	run := 0
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			v := uint8(0)
			if m.Pix[y*m.Stride+x] > 0 {
				v = 1
			}
			if v != prev {
				rle.Counts = append(rle.Counts, run)
				run = 0
				prev = v
			}
			run++
		}
	}
	rle.Counts = append(rle.Counts, run)
	return rle
}

// BuildCOCO 根据数据集下标生成 COCO 标注, 不应用样本变换
//
// # Params:
//
//	ds: 数据集
//	indices: 参与导出的样本下标
//	categories: 类别名, 下标+1 为类别 ID
func BuildCOCO(ds *Dataset, indices []int, categories []string, progress io.Writer) (*COCO, error) {
	coco := &COCO{
		Images:      make([]COCOImage, 0, len(indices)),
		Annotations: make([]COCOAnnotation, 0),
	}
	for i, name := range categories {
		coco.Categories = append(coco.Categories, COCOCategory{ID: int64(i + 1), Name: name})
	}

	var bar *progressbar.ProgressBar
	if progress != nil {
		bar = progressbar.NewOptions(len(indices),
			progressbar.OptionSetWriter(progress),
			progressbar.OptionSetDescription("导出 COCO"),
			progressbar.OptionShowCount(),
		)
	}

	annID := int64(1)
	for _, idx := range indices {
		instances, err := ds.Instances(idx)
		if err != nil {
			return nil, err
		}
		pair := ds.Pair(idx)
		var w, h int
		if len(instances) > 0 {
			w, h = instances[0].Mask.Bounds().Dx(), instances[0].Mask.Bounds().Dy()
		}
		coco.Images = append(coco.Images, COCOImage{
			ID:       int64(idx),
			FileName: filepath.Base(pair.ImagePath),
			Width:    w,
			Height:   h,
		})
		for _, in := range instances {
			coco.Annotations = append(coco.Annotations, COCOAnnotation{
				ID:           annID,
				ImageID:      int64(idx),
				CategoryID:   in.Label,
				BBox:         [4]float32{in.Box[0], in.Box[1], in.Box[2] - in.Box[0], in.Box[3] - in.Box[1]},
				Area:         in.Area,
				Segmentation: EncodeRLE(in.Mask),
			})
			annID++
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return coco, nil
}

// WriteCOCO 导出 COCO 标注 JSON
func WriteCOCO(w io.Writer, coco *COCO) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(coco); err != nil {
		return errors.Wrap(err, "写入 COCO 标注失败")
	}
	return nil
}
