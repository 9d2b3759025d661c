package dataset

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrCountMismatch 图片与 Mask 数量不一致
	ErrCountMismatch = errors.New("图片与 Mask 数量不一致")
	// ErrEmpty 数据集为空
	ErrEmpty = errors.New("数据集为空")
)

// Layout 数据集目录结构
//
//	Root/
//	  ImageDir/  原图
//	  MaskDir/   实例 Mask, 与原图按文件名排序后一一对应
type Layout struct {
	Root     string `yaml:"root"`
	ImageDir string `yaml:"image_dir"`
	MaskDir  string `yaml:"mask_dir"`
}

// ImagePath 图片目录
func (l Layout) ImagePath() string {
	return filepath.Join(l.Root, l.ImageDir)
}

// MaskPath Mask 目录
func (l Layout) MaskPath() string {
	return filepath.Join(l.Root, l.MaskDir)
}

// Pair 一组对齐的图片与 Mask
type Pair struct {
	Index     int
	ImagePath string
	MaskPath  string
}

// ListPairs 列出并按序号对齐图片与 Mask
//
// 两个目录分别按文件名排序, 对齐只依赖序号, 不校验文件名。
// 数量不一致时在访问任何样本之前返回 ErrCountMismatch。
func ListPairs(l Layout) ([]Pair, error) {
	images, err := listFiles(l.ImagePath())
	if err != nil {
		return nil, errors.Wrap(err, "读取图片目录失败")
	}
	masks, err := listFiles(l.MaskPath())
	if err != nil {
		return nil, errors.Wrap(err, "读取 Mask 目录失败")
	}
	if len(images) != len(masks) {
		return nil, errors.Wrapf(ErrCountMismatch, "图片 %d 张, Mask %d 张", len(images), len(masks))
	}
	if len(images) == 0 {
		return nil, errors.Wrapf(ErrEmpty, "%s", l.ImagePath())
	}

	pairs := make([]Pair, len(images))
	for i := range images {
		pairs[i] = Pair{
			Index:     i,
			ImagePath: filepath.Join(l.ImagePath(), images[i]),
			MaskPath:  filepath.Join(l.MaskPath(), masks[i]),
		}
	}
	return pairs, nil
}

// listFiles 返回目录下排序后的普通文件名, 忽略子目录和隐藏文件
func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
