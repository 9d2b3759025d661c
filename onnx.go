package lampseg

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// Device 推理设备
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

type OnnxConfig struct {
	SessionOptions *ort.SessionOptions
	Device         Device // New 之后实际使用的设备

	// 必填参数
	OnnxRuntimeLibPath string // onnxruntime.dll (或 .so, .dylib) 的路径
	// 可选参数
	UseCuda    bool               // (可选) 是否尝试启用 CUDA, 不可用时回退到 CPU
	NumThreads int                // (可选) ONNX 线程数, 默认由CPU核心数决定
	Logger     *zap.SugaredLogger // (可选) 日志
}

var (
	initErr error
	once    sync.Once
)

// New 初始化 ONNX 环境
func (cfg *OnnxConfig) New() error {
	if cfg.OnnxRuntimeLibPath == "" {
		return errors.New("OnnxRuntimeLibPath 不能为空")
	}
	once.Do(func() {
		ort.SetSharedLibraryPath(cfg.OnnxRuntimeLibPath)
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return errors.Wrap(initErr, "初始化 ONNX Runtime 环境失败")
	}

	// 创建会话选项 (设置线程)
	options, err := ort.NewSessionOptions()
	if err != nil {
		return err
	}
	if cfg.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			options.Destroy()
			return err
		}
	}

	cfg.Device = DeviceCPU
	if cfg.UseCuda {
		if err := appendCuda(options); err != nil {
			// 设备只在启动时选择一次
			if cfg.Logger != nil {
				cfg.Logger.Warnw("CUDA 不可用, 使用 CPU", "error", err)
			}
		} else {
			cfg.Device = DeviceCUDA
		}
	}
	cfg.SessionOptions = options

	return nil
}

// Destroy 释放会话选项
func (cfg *OnnxConfig) Destroy() error {
	if cfg.SessionOptions == nil {
		return nil
	}
	err := cfg.SessionOptions.Destroy()
	cfg.SessionOptions = nil
	return err
}

func appendCuda(options *ort.SessionOptions) error {
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return errors.Wrap(err, "创建 CUDAProviderOptions 失败")
	}
	defer cudaOptions.Destroy()
	if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
		return errors.Wrap(err, "添加 CUDA 执行提供者失败")
	}
	return nil
}

// DefaultLibraryPath 根据运行时环境判断加载哪个库文件
func DefaultLibraryPath() string {
	baseDir := "./lib/"
	libName := "onnxruntime"

	// windows onnxruntime.dll
	if runtime.GOOS == "windows" {
		return baseDir + libName + ".dll"
	}

	var ext string
	switch runtime.GOOS {
	case "darwin":
		ext = "dylib"
	case "linux":
		ext = "so"
	default:
		return baseDir + libName + "_amd64.so"
	}

	// ./lib/onnxruntime_amd64.so
	return fmt.Sprintf("%s%s_%s.%s", baseDir, libName, runtime.GOARCH, ext)
}
