package train

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/getcharzp/lampseg"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

var (
	ErrNoStats  = errors.New("命令输出中没有 JSON 统计记录")
	ErrNoExport = errors.New("未配置导出命令")
)

// EpochParams 单个 epoch 的参数, 也是命令模板的数据
type EpochParams struct {
	Epoch      int
	Epochs     int
	LR         float64
	Optimizer  Optimizer
	Device     lampseg.Device
	PrintFreq  int
	NumClasses int
	Workers    int
	Seed       int64

	DataRoot   string // 数据集根目录
	ImageDir   string // 图片目录 (相对 DataRoot)
	TrainAnn   string // 训练集 COCO 标注
	TestAnn    string // 测试集 COCO 标注
	Checkpoint string // 后端用于衔接同一次训练中各 epoch 的权重文件
	ExportPath string // 训练结束后导出的 ONNX 模型
}

// EpochStats 训练统计, Loss 为总损失, Losses 为各分项
type EpochStats struct {
	Loss   float64            `json:"loss"`
	Losses map[string]float64 `json:"losses,omitempty"`
}

// EvalStats 评估统计, 例如 bbox_ap / segm_ap
type EvalStats struct {
	Metrics map[string]float64 `json:"metrics"`
}

// Backend 训练后端, 训练循环本身由参考实现完成
type Backend interface {
	TrainOneEpoch(ctx context.Context, p EpochParams) (EpochStats, error)
	Evaluate(ctx context.Context, p EpochParams) (EvalStats, error)
}

// ExecBackend 以外部命令执行每个 epoch 的训练与评估
//
// 命令的每个参数都是 text/template, 数据为 EpochParams。
// 命令 stdout 中最后一个可解析的 JSON 对象行作为统计结果。
type ExecBackend struct {
	WorkDir      string
	TrainCommand  []string
	EvalCommand   []string
	ExportCommand []string // (可选) 训练结束后导出 ONNX 模型
	Env           []string
	Output       io.Writer // (可选) 命令输出的转发目标
}

// TrainOneEpoch 实现 Backend
func (b *ExecBackend) TrainOneEpoch(ctx context.Context, p EpochParams) (EpochStats, error) {
	var stats EpochStats
	if err := b.run(ctx, b.TrainCommand, p, &stats); err != nil {
		return EpochStats{}, errors.Wrapf(err, "epoch %d 训练失败", p.Epoch)
	}
	return stats, nil
}

// Evaluate 实现 Backend
func (b *ExecBackend) Evaluate(ctx context.Context, p EpochParams) (EvalStats, error) {
	var stats EvalStats
	if len(b.EvalCommand) == 0 {
		return stats, nil
	}
	if err := b.run(ctx, b.EvalCommand, p, &stats); err != nil {
		return EvalStats{}, errors.Wrapf(err, "epoch %d 评估失败", p.Epoch)
	}
	return stats, nil
}

// Export 执行导出命令, 未配置时返回 ErrNoExport
func (b *ExecBackend) Export(ctx context.Context, p EpochParams) error {
	if len(b.ExportCommand) == 0 {
		return ErrNoExport
	}
	if err := b.run(ctx, b.ExportCommand, p, nil); err != nil {
		return errors.Wrap(err, "导出 ONNX 模型失败")
	}
	return nil
}

// ClearCheckpoint 删除上一次训练留下的权重文件, 保证第一个 epoch 从预训练权重开始
//
// 相对路径按 WorkDir 解析, 返回文件是否存在过。
func (b *ExecBackend) ClearCheckpoint(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(b.WorkDir, path)
	}
	err := os.Remove(path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, errors.Wrapf(err, "删除旧权重 %s 失败", path)
	}
}

func (b *ExecBackend) run(ctx context.Context, command []string, p EpochParams, out any) error {
	if len(command) == 0 {
		return errors.New("未配置命令")
	}
	args, err := renderArgs(command, p)
	if err != nil {
		return err
	}

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = b.WorkDir
	cmd.Env = append(os.Environ(), b.Env...)
	if b.Output != nil {
		cmd.Stdout = io.MultiWriter(&stdout, b.Output)
		cmd.Stderr = b.Output
	} else {
		cmd.Stdout = &stdout
	}
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "执行 %s 失败", strings.Join(args, " "))
	}
	if out == nil {
		return nil
	}
	return lastJSON(&stdout, out)
}

// renderArgs 渲染命令模板
func renderArgs(command []string, p EpochParams) ([]string, error) {
	args := make([]string, len(command))
	for i, a := range command {
		tmpl, err := template.New("arg").Option("missingkey=error").Parse(a)
		if err != nil {
			return nil, errors.Wrapf(err, "解析命令模板 %q 失败", a)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, p); err != nil {
			return nil, errors.Wrapf(err, "渲染命令模板 %q 失败", a)
		}
		args[i] = buf.String()
	}
	return args, nil
}

// lastJSON 解析最后一个以 { 开头且合法的行
func lastJSON(r io.Reader, out any) error {
	var last []byte
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] != '{' || !json.Valid(line) {
			continue
		}
		last = append(last[:0], line...)
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "读取命令输出失败")
	}
	if last == nil {
		return ErrNoStats
	}
	return errors.Wrap(json.Unmarshal(last, out), "解析统计记录失败")
}
