package maskrcnn

import (
	"image"

	"github.com/getcharzp/lampseg"
	"go.uber.org/zap"
)

// Config 引擎的初始化参数
type Config struct {
	ModelPath          string `yaml:"model_path"`           // 导出的 Mask R-CNN ONNX 模型路径
	OnnxRuntimeLibPath string `yaml:"onnxruntime_lib_path"` // ONNX Runtime 动态库路径

	// 推理参数
	ScoreThreshold float32 `yaml:"score_threshold"` // 置信度阈值 (默认 0.5)
	MaskThreshold  float32 `yaml:"mask_threshold"`  // Mask 二值化阈值 (默认 0.5)

	// 模型参数
	NumClasses int `yaml:"num_classes"` // 含背景的类别数 (默认 5)

	// 可选参数
	UseCuda    bool               `yaml:"use_cuda"`    // (可选) 是否尝试启用 CUDA
	NumThreads int                `yaml:"num_threads"` // (可选) ONNX 线程数, 默认由CPU核心数决定
	Logger     *zap.SugaredLogger `yaml:"-"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		ModelPath:          "./maskrcnn_weights/maskrcnn_lamp.onnx",
		OnnxRuntimeLibPath: lampseg.DefaultLibraryPath(),
		ScoreThreshold:     0.5,
		MaskThreshold:      0.5,
		NumClasses:         5,
		UseCuda:            true,
	}
}

// SegResult 实例分割结果
type SegResult struct {
	// 分类ID, 0 为背景, 四腔室模型中 1 为腔室
	ClassID int
	Score   float32
	Box     image.Rectangle // 原图坐标的检测框
	Mask    *image.Gray     // 按 MaskThreshold 二值化后的 Mask
	Prob    *image.Gray     // Mask 概率 * 255
}

// 模型的输入输出名称, 与 torchvision 导出的 Mask R-CNN 一致
var (
	inputNames  = []string{"images"}
	outputNames = []string{"boxes", "labels", "scores", "masks"}
)
