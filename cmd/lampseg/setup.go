package main

import (
	"github.com/charmbracelet/huh"
	"github.com/getcharzp/lampseg"
	"github.com/getcharzp/lampseg/config"
	"github.com/getcharzp/lampseg/dataset"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// env 单次命令执行所需的配置与日志器
type env struct {
	cfg    config.Config
	logger *zap.SugaredLogger
}

// setup 读取配置, 应用命令行覆盖, 必要时交互式补全数据集路径
//
// # Params:
//
//	c: 命令上下文
//	needDataset: 该命令是否需要数据集
func setup(c *cli.Context, needDataset bool) (*env, error) {
	logger, err := lampseg.NewLogger(c.Bool(flagDebug))
	if err != nil {
		return nil, errors.Wrap(err, "初始化日志失败")
	}

	cfg := config.Default()
	if path := c.String(flagConfig); path != "" {
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
		logger.Debugw("已加载配置", "path", path)
	}
	applyFlags(c, &cfg)
	cfg.Model.Logger = logger

	if needDataset {
		if missing(cfg.Dataset.Layout) {
			if c.Bool(flagNoInput) {
				return nil, errors.New("缺少数据集路径, 请通过 --root/--images/--masks 或配置文件提供")
			}
			if err := promptLayout(&cfg.Dataset.Layout); err != nil {
				return nil, errors.Wrap(err, "读取数据集路径失败")
			}
		}
		if err := cfg.ValidateDataset(); err != nil {
			return nil, err
		}
	}
	return &env{cfg: cfg, logger: logger}, nil
}

// applyFlags 命令行参数覆盖配置文件, 只处理显式传入的参数
func applyFlags(c *cli.Context, cfg *config.Config) {
	strs := map[string]*string{
		flagOutput: &cfg.Output.Dir,
		flagRoot:   &cfg.Dataset.Root,
		flagImages: &cfg.Dataset.ImageDir,
		flagMasks:  &cfg.Dataset.MaskDir,
		flagDevice: &cfg.Train.Device,
		flagModel:  &cfg.Model.ModelPath,
		flagOrtLib: &cfg.Model.OnnxRuntimeLibPath,
		flagFont:   &cfg.Output.FontPath,
	}
	for name, dst := range strs {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}

	ints := map[string]*int{
		flagExpected:  &cfg.Dataset.Decode.ExpectedInstances,
		flagMinPixels: &cfg.Dataset.Decode.MinPixels,
		flagEpochs:    &cfg.Train.Epochs,
	}
	for name, dst := range ints {
		if c.IsSet(name) {
			*dst = c.Int(name)
		}
	}
}

func missing(l dataset.Layout) bool {
	return l.Root == "" || l.ImageDir == "" || l.MaskDir == ""
}

// promptLayout 依次询问根目录、Mask 目录、图片目录, 已有的值作为默认值
func promptLayout(l *dataset.Layout) error {
	notEmpty := func(s string) error {
		if s == "" {
			return errors.New("不能为空")
		}
		return nil
	}
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("数据集根目录").Value(&l.Root).Validate(notEmpty),
		huh.NewInput().Title("Mask 目录名").Value(&l.MaskDir).Validate(notEmpty),
		huh.NewInput().Title("图片目录名").Value(&l.ImageDir).Validate(notEmpty),
	))
	return form.Run()
}
