package train

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Config 训练循环参数
type Config struct {
	Epochs    int       `yaml:"epochs"`
	PrintFreq int       `yaml:"print_freq"`
	Optimizer Optimizer `yaml:"optimizer"`
	Schedule  StepLR    `yaml:"schedule"`
}

// DefaultConfig 10 个 epoch, 每 10 个迭代打印一次
func DefaultConfig() Config {
	return Config{
		Epochs:    10,
		PrintFreq: 10,
		Optimizer: DefaultOptimizer(),
		Schedule:  DefaultStepLR(),
	}
}

// Trainer 固定 epoch 数的训练循环
//
// 每个 epoch: 训练一遍 -> 学习率调度 -> 评估一遍。
// 没有早停和断点续训, 最后一个 epoch 的结果即为最终结果。
type Trainer struct {
	config  Config
	backend Backend
	logger  *zap.SugaredLogger

	// Params 提供除 Epoch/LR 以外的 epoch 参数
	Params EpochParams
}

// NewTrainer 创建训练循环
func NewTrainer(cfg Config, backend Backend, logger *zap.SugaredLogger) *Trainer {
	return &Trainer{config: cfg, backend: backend, logger: logger}
}

// Run 执行训练, 任一 epoch 失败即返回, 已完成 epoch 的记录保留在 History 中
func (t *Trainer) Run(ctx context.Context) (*History, error) {
	if t.config.Epochs <= 0 {
		return nil, errors.Errorf("epoch 数无效: %d", t.config.Epochs)
	}
	sched := NewScheduler(t.config.Optimizer.LR, t.config.Schedule)
	history := &History{Optimizer: t.config.Optimizer, Schedule: t.config.Schedule}

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return history, err
		}

		p := t.Params
		p.Epoch = epoch
		p.Epochs = t.config.Epochs
		p.LR = sched.LR()
		p.Optimizer = t.config.Optimizer
		p.PrintFreq = t.config.PrintFreq

		start := time.Now()
		t.logger.Infow("开始训练", "epoch", epoch, "lr", p.LR, "device", p.Device)
		trainStats, err := t.backend.TrainOneEpoch(ctx, p)
		if err != nil {
			return history, err
		}
		sched.Step()

		evalStats, err := t.backend.Evaluate(ctx, p)
		if err != nil {
			return history, err
		}

		rec := EpochRecord{
			Epoch:    epoch,
			LR:       p.LR,
			Loss:     trainStats.Loss,
			Losses:   trainStats.Losses,
			Metrics:  evalStats.Metrics,
			Duration: time.Since(start),
		}
		history.Epochs = append(history.Epochs, rec)
		t.logger.Infow("epoch 完成", "epoch", epoch, "loss", rec.Loss, "metrics", rec.Metrics, "elapsed", rec.Duration)
	}
	return history, nil
}
