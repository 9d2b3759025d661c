// Package main lampseg 命令行: 数据集检查、参考脚本准备、训练与推理检查
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

const (
	flagConfig    = "config"
	flagDebug     = "debug"
	flagNoInput   = "no-input"
	flagRoot      = "root"
	flagImages    = "images"
	flagMasks     = "masks"
	flagExpected  = "expected-instances"
	flagMinPixels = "min-pixels"
	flagOutput    = "output"
	flagModel     = "model"
	flagOrtLib    = "onnxruntime-lib"
	flagSplit     = "split"
	flagEpochs    = "epochs"
	flagDevice    = "device"
	flagFont      = "font"
)

var datasetFlags = []cli.Flag{
	&cli.PathFlag{Name: flagRoot, Usage: "数据集根目录"},
	&cli.StringFlag{Name: flagImages, Usage: "图片目录名 (相对根目录)"},
	&cli.StringFlag{Name: flagMasks, Usage: "Mask 目录名 (相对根目录)"},
	&cli.IntFlag{Name: flagExpected, Usage: "每张 Mask 预期的实例数, 0 表示不校验"},
	&cli.IntFlag{Name: flagMinPixels, Usage: "少于该像素数的实例编号视为噪声"},
}

var modelFlags = []cli.Flag{
	&cli.PathFlag{Name: flagModel, Usage: "Mask R-CNN ONNX 模型"},
	&cli.PathFlag{Name: flagOrtLib, Usage: "ONNX Runtime 动态库"},
	&cli.StringFlag{Name: flagDevice, Usage: "auto / cuda / cpu"},
	&cli.PathFlag{Name: flagFont, Usage: "标签字体 (ttf)"},
}

var app = &cli.App{
	Name:            "lampseg",
	Usage:           "LAMP 图像实例分割的数据准备、训练与检查",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.PathFlag{
			Name:    flagConfig,
			Aliases: []string{"c"},
			Usage:   "load configuration from `FILE`",
		},
		&cli.BoolFlag{
			Name:    flagDebug,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
		&cli.BoolFlag{
			Name:  flagNoInput,
			Usage: "缺少数据集路径时报错而不是交互询问",
		},
		&cli.PathFlag{
			Name:  flagOutput,
			Usage: "输出目录",
		},
	},
	Commands: []*cli.Command{
		{
			Name:   "inspect",
			Usage:  "解码所有 Mask 并输出实例统计",
			Flags:  datasetFlags,
			Action: InspectAction,
		},
		{
			Name:   "export-coco",
			Usage:  "切分数据集并导出 COCO 标注",
			Flags:  datasetFlags,
			Action: ExportCOCOAction,
		},
		{
			Name:   "bootstrap",
			Usage:  "克隆固定版本的 torchvision 并拷贝 detection 参考脚本",
			Action: BootstrapAction,
		},
		{
			Name:  "train",
			Usage: "按固定 epoch 数训练, 每个 epoch 后调度学习率并评估",
			Flags: append(append([]cli.Flag{}, datasetFlags...),
				&cli.IntFlag{Name: flagEpochs, Usage: "epoch 数"},
				&cli.StringFlag{Name: flagDevice, Usage: "auto / cuda / cpu"},
			),
			Action: TrainAction,
		},
		{
			Name:      "predict",
			Usage:     "运行 ONNX 模型并输出 Mask 检查图",
			ArgsUsage: "[image ...]",
			Flags: append(append(append([]cli.Flag{}, datasetFlags...), modelFlags...),
				&cli.StringFlag{Name: flagSplit, Usage: "不传图片时检查数据集的 train 或 test 部分", Value: "test"},
			),
			Action: PredictAction,
		},
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		stop()
		os.Exit(1)
	}
}
