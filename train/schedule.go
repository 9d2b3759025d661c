package train

import "math"

// Optimizer SGD 超参数, 交给训练后端使用
type Optimizer struct {
	LR          float64 `yaml:"lr" json:"lr"`
	Momentum    float64 `yaml:"momentum" json:"momentum"`
	WeightDecay float64 `yaml:"weight_decay" json:"weight_decay"`
}

// DefaultOptimizer lr 0.001, momentum 0.9, weight decay 0.0005
func DefaultOptimizer() Optimizer {
	return Optimizer{LR: 0.001, Momentum: 0.9, WeightDecay: 0.0005}
}

// StepLR 每 StepSize 个 epoch 学习率乘以 Gamma
type StepLR struct {
	StepSize int     `yaml:"step_size"`
	Gamma    float64 `yaml:"gamma"`
}

// DefaultStepLR 每 3 个 epoch 衰减 10 倍
func DefaultStepLR() StepLR {
	return StepLR{StepSize: 3, Gamma: 0.1}
}

// Scheduler 学习率调度器
type Scheduler struct {
	base  float64
	rule  StepLR
	steps int
}

// NewScheduler 创建调度器
func NewScheduler(base float64, rule StepLR) *Scheduler {
	if rule.StepSize <= 0 {
		rule.StepSize = 1
	}
	return &Scheduler{base: base, rule: rule}
}

// LR 当前学习率: base * gamma^(steps/stepSize)
func (s *Scheduler) LR() float64 {
	return s.base * math.Pow(s.rule.Gamma, float64(s.steps/s.rule.StepSize))
}

// Step 完成一个 epoch 后调用
func (s *Scheduler) Step() {
	s.steps++
}

// Steps 已调用 Step 的次数
func (s *Scheduler) Steps() int {
	return s.steps
}
