package maskrcnn

import (
	"image"

	"github.com/getcharzp/lampseg"
	"github.com/pkg/errors"
	"github.com/up-zero/gotool/convertutil"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
)

// Engine Mask R-CNN 推理引擎
type Engine struct {
	session *ort.DynamicAdvancedSession
	onnx    *lampseg.OnnxConfig
	config  Config
}

// NewEngine 初始化实例分割引擎
func NewEngine(cfg Config) (*Engine, error) {
	oc := new(lampseg.OnnxConfig)
	if err := convertutil.CopyProperties(cfg, oc); err != nil {
		return nil, errors.Wrap(err, "复制参数失败")
	}
	oc.Logger = cfg.Logger
	// 初始化 ONNX
	if err := oc.New(); err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputNames, outputNames, oc.SessionOptions)
	if err != nil {
		oc.Destroy()
		return nil, errors.Wrap(err, "创建 ONNX 会话失败")
	}
	if cfg.Logger != nil {
		cfg.Logger.Infow("Mask R-CNN 引擎已加载", "model", cfg.ModelPath, "device", oc.Device)
	}

	return &Engine{
		session: session,
		onnx:    oc,
		config:  cfg,
	}, nil
}

// Device 实际使用的推理设备
func (e *Engine) Device() lampseg.Device {
	return e.onnx.Device
}

// Destroy 释放相关资源
func (e *Engine) Destroy() error {
	var err error
	if e.session != nil {
		err = multierr.Append(err, e.session.Destroy())
		e.session = nil
	}
	return multierr.Append(err, e.onnx.Destroy())
}

// Predict 执行实例分割推理
func (e *Engine) Predict(img image.Image) ([]SegResult, error) {
	// 预处理
	inputTensor, params, err := preprocess(img)
	if err != nil {
		return nil, errors.Wrap(err, "预处理失败")
	}
	defer inputTensor.Destroy()

	// 推理, 输出由 ONNX Runtime 分配
	outputs := make([]ort.Value, len(outputNames))
	if err := e.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, errors.Wrap(err, "推理失败")
	}
	defer func() {
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	raw, err := collectOutputs(outputs)
	if err != nil {
		return nil, err
	}

	// 后处理
	return postprocess(raw, params, e.config.ScoreThreshold, e.config.MaskThreshold), nil
}

// PredictBatch 逐张推理
func (e *Engine) PredictBatch(imgs []image.Image) ([][]SegResult, error) {
	results := make([][]SegResult, len(imgs))
	for i, img := range imgs {
		res, err := e.Predict(img)
		if err != nil {
			return nil, errors.Wrapf(err, "第 %d 张图片推理失败", i)
		}
		results[i] = res
	}
	return results, nil
}

// collectOutputs 读取 boxes / labels / scores / masks 四个输出
func collectOutputs(outputs []ort.Value) (rawOutput, error) {
	boxes, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return rawOutput{}, errors.New("boxes 输出类型错误")
	}
	labels, ok := outputs[1].(*ort.Tensor[int64])
	if !ok {
		return rawOutput{}, errors.New("labels 输出类型错误")
	}
	scores, ok := outputs[2].(*ort.Tensor[float32])
	if !ok {
		return rawOutput{}, errors.New("scores 输出类型错误")
	}
	masks, ok := outputs[3].(*ort.Tensor[float32])
	if !ok {
		return rawOutput{}, errors.New("masks 输出类型错误")
	}

	// masks: [N, 1, H, W]
	shape := masks.GetShape()
	if len(shape) != 4 {
		return rawOutput{}, errors.Errorf("masks 输出形状错误: %v", shape)
	}
	return rawOutput{
		boxes:  boxes.GetData(),
		labels: labels.GetData(),
		scores: scores.GetData(),
		masks:  masks.GetData(),
		n:      int(shape[0]),
		maskH:  int(shape[2]),
		maskW:  int(shape[3]),
	}, nil
}
