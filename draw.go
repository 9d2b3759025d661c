package lampseg

import (
	"image"
	"image/color"
	"image/draw"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// TextDrawer 实例标签绘制工具
type TextDrawer struct {
	font     *opentype.Font
	face     font.Face
	fontSize float64
}

// NewTextDrawer 从字体文件创建标签绘制工具
//
// # Params:
//
//	fontPath: 字体路径 (ttf/otf)
func NewTextDrawer(fontPath string) (*TextDrawer, error) {
	fontBytes, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, errors.Wrap(err, "打开字体文件失败")
	}
	return NewTextDrawerFromBytes(fontBytes)
}

// NewTextDrawerFromBytes 从字体数据创建标签绘制工具
func NewTextDrawerFromBytes(fontBytes []byte) (*TextDrawer, error) {
	ttFont, err := opentype.Parse(fontBytes)
	if err != nil {
		return nil, errors.Wrap(err, "解析字体文件失败")
	}

	d := &TextDrawer{font: ttFont}
	if err := d.SetSize(12); err != nil {
		return nil, err
	}
	return d, nil
}

// SetSize 调整字体大小, 大小不变时不重建 Face
func (d *TextDrawer) SetSize(fontSize float64) error {
	if d.face != nil && d.fontSize == fontSize {
		return nil
	}

	nf, err := opentype.NewFace(d.font, &opentype.FaceOptions{
		Size:    fontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return errors.Wrap(err, "创建字体 Face 失败")
	}

	if d.face != nil {
		d.face.Close()
	}
	d.face = nf
	d.fontSize = fontSize
	return nil
}

// Measure 返回文本的像素宽高
func (d *TextDrawer) Measure(text string) (int, int) {
	width := font.MeasureString(d.face, text).Ceil()
	metrics := d.face.Metrics()
	return width, (metrics.Ascent + metrics.Descent).Ceil()
}

// DrawText 以基线坐标 (x, y) 绘制文本
func (d *TextDrawer) DrawText(img draw.Image, text string, x, y int, c color.Color) {
	fd := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: d.face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	fd.DrawString(text)
}

// DrawLabel 在检测框左上角绘制带底色的标签
//
// # Params:
//
//	img: 被绘制的图像
//	text: 标签文本
//	anchor: 检测框左上角
//	bg: 底色
//	fg: 文字颜色
func (d *TextDrawer) DrawLabel(img draw.Image, text string, anchor image.Point, bg, fg color.Color) {
	w, h := d.Measure(text)
	top := anchor.Y - h - 2
	if top < img.Bounds().Min.Y {
		top = anchor.Y
	}
	rect := image.Rect(anchor.X, top, anchor.X+w+4, top+h+2).Intersect(img.Bounds())
	draw.Draw(img, rect, image.NewUniform(bg), image.Point{}, draw.Over)
	ascent := d.face.Metrics().Ascent.Ceil()
	d.DrawText(img, text, anchor.X+2, top+1+ascent, fg)
}

// Close 释放资源
func (d *TextDrawer) Close() {
	if d.face != nil {
		d.face.Close()
		d.face = nil
	}
}
