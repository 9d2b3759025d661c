// Package config 读取 lampseg 的 YAML 配置
package config

import (
	"os"

	"github.com/getcharzp/lampseg/dataset"
	"github.com/getcharzp/lampseg/maskrcnn"
	"github.com/getcharzp/lampseg/reference"
	"github.com/getcharzp/lampseg/train"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Dataset 数据集配置
type Dataset struct {
	dataset.Layout `yaml:",inline"`
	Decode         dataset.DecodeOptions `yaml:"decode"`
	Categories     []string              `yaml:"categories"`
	TestSize       int                   `yaml:"test_size"` // 测试集样本数
	Seed           int64                 `yaml:"seed"`
	Workers        int                   `yaml:"workers"`
}

// Train 训练配置
type Train struct {
	train.Config  `yaml:",inline"`
	Device        string   `yaml:"device"`         // auto / cuda / cpu
	Command       []string `yaml:"command"`        // 单个 epoch 的训练命令模板
	EvalCommand   []string `yaml:"eval_command"`   // 单个 epoch 的评估命令模板
	ExportCommand []string `yaml:"export_command"` // 训练结束后导出 ONNX 的命令模板, 导出到 model.model_path
	Env           []string `yaml:"env"`
	Checkpoint    string   `yaml:"checkpoint"` // 相对 reference.work_dir, 每次训练开始时删除
}

// Output 输出配置
type Output struct {
	Dir      string `yaml:"dir"`
	GridStep int    `yaml:"grid_step"`
	FontPath string `yaml:"font_path"`
}

// Config 完整配置
type Config struct {
	Dataset   Dataset             `yaml:"dataset"`
	Reference reference.Bootstrap `yaml:"reference"`
	Train     Train               `yaml:"train"`
	Model     maskrcnn.Config     `yaml:"model"`
	Output    Output              `yaml:"output"`
}

// Default 默认配置: 四腔室, 1 张测试图, 种子 1, 2 个加载 worker
func Default() Config {
	return Config{
		Dataset: Dataset{
			Decode:     dataset.DecodeOptions{Label: 1, ExpectedInstances: 4},
			Categories: []string{"chamber"},
			TestSize:   1,
			Seed:       1,
			Workers:    2,
		},
		Reference: reference.DefaultBootstrap(),
		Train: Train{
			Config: train.DefaultConfig(),
			Device: "auto",
			Command: []string{
				"python", "lamp_epoch.py", "train",
				"--data-root={{.DataRoot}}", "--images={{.ImageDir}}", "--ann={{.TrainAnn}}",
				"--epoch={{.Epoch}}", "--lr={{.LR}}", "--momentum={{.Optimizer.Momentum}}",
				"--weight-decay={{.Optimizer.WeightDecay}}", "--num-classes={{.NumClasses}}",
				"--device={{.Device}}", "--workers={{.Workers}}", "--print-freq={{.PrintFreq}}",
				"--checkpoint={{.Checkpoint}}",
			},
			EvalCommand: []string{
				"python", "lamp_epoch.py", "evaluate",
				"--data-root={{.DataRoot}}", "--images={{.ImageDir}}", "--ann={{.TestAnn}}",
				"--num-classes={{.NumClasses}}", "--device={{.Device}}", "--checkpoint={{.Checkpoint}}",
			},
			ExportCommand: []string{
				"python", "lamp_epoch.py", "export",
				"--num-classes={{.NumClasses}}", "--checkpoint={{.Checkpoint}}", "--onnx={{.ExportPath}}",
			},
			Checkpoint: "lamp_maskrcnn.pth",
		},
		Model: maskrcnn.DefaultConfig(),
		Output: Output{
			Dir:      "lampseg_out",
			GridStep: 50,
		},
	}
}

// Load 读取配置文件, 未出现的字段保持默认值
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "读取配置文件失败")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "解析配置文件 %s 失败", path)
	}
	return cfg, nil
}

// ValidateDataset 检查数据集配置
func (c Config) ValidateDataset() error {
	var err error
	if c.Dataset.Root == "" {
		err = multierr.Append(err, errors.New("dataset.root 不能为空"))
	}
	if c.Dataset.ImageDir == "" {
		err = multierr.Append(err, errors.New("dataset.image_dir 不能为空"))
	}
	if c.Dataset.MaskDir == "" {
		err = multierr.Append(err, errors.New("dataset.mask_dir 不能为空"))
	}
	if c.Dataset.Decode.ExpectedInstances < 0 || c.Dataset.Decode.MinPixels < 0 {
		err = multierr.Append(err, errors.New("dataset.decode 参数不能为负数"))
	}
	return err
}

// Validate 检查训练所需的全部配置
func (c Config) Validate() error {
	err := c.ValidateDataset()
	if c.Dataset.TestSize < 1 {
		err = multierr.Append(err, errors.New("dataset.test_size 至少为 1"))
	}
	if c.Train.Epochs <= 0 {
		err = multierr.Append(err, errors.New("train.epochs 必须大于 0"))
	}
	if c.Train.Optimizer.LR <= 0 {
		err = multierr.Append(err, errors.New("train.optimizer.lr 必须大于 0"))
	}
	if len(c.Train.Command) == 0 {
		err = multierr.Append(err, errors.New("train.command 不能为空"))
	}
	if c.Model.NumClasses < 2 {
		err = multierr.Append(err, errors.New("model.num_classes 至少为 2 (含背景)"))
	}
	return err
}
