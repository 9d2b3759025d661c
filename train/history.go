package train

import (
	"os"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// EpochRecord 单个 epoch 的记录
type EpochRecord struct {
	Epoch    int                `json:"epoch"`
	LR       float64            `json:"lr"`
	Loss     float64            `json:"loss"`
	Losses   map[string]float64 `json:"losses,omitempty"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
	Duration time.Duration      `json:"duration"`
}

// History 训练记录
type History struct {
	Optimizer Optimizer     `json:"optimizer"`
	Schedule  StepLR        `json:"schedule"`
	Epochs    []EpochRecord `json:"epochs"`
}

// Last 最后一个完成的 epoch
func (h *History) Last() (EpochRecord, bool) {
	if len(h.Epochs) == 0 {
		return EpochRecord{}, false
	}
	return h.Epochs[len(h.Epochs)-1], true
}

// Save 保存为 JSON
func (h *History) Save(path string) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return errors.Wrap(err, "序列化训练记录失败")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "写入训练记录失败")
}

// LoadHistory 读取训练记录
func LoadHistory(path string) (*History, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "读取训练记录失败")
	}
	h := new(History)
	if err := json.Unmarshal(data, h); err != nil {
		return nil, errors.Wrap(err, "解析训练记录失败")
	}
	return h, nil
}

// PlotLoss 绘制损失与评估指标曲线
func (h *History) PlotLoss(path string) error {
	if len(h.Epochs) == 0 {
		return errors.New("没有训练记录")
	}
	p := plot.New()
	p.Title.Text = "Training"
	p.X.Label.Text = "epoch"
	p.Add(plotter.NewGrid())

	lines := []any{"loss", h.series(func(r EpochRecord) (float64, bool) { return r.Loss, true })}
	for _, name := range h.metricNames() {
		lines = append(lines, name, h.series(func(r EpochRecord) (float64, bool) {
			v, ok := r.Metrics[name]
			return v, ok
		}))
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return errors.Wrap(err, "绘制曲线失败")
	}
	return errors.Wrap(p.Save(6*vg.Inch, 4*vg.Inch, path), "保存曲线失败")
}

func (h *History) series(value func(EpochRecord) (float64, bool)) plotter.XYs {
	pts := make(plotter.XYs, 0, len(h.Epochs))
	for _, r := range h.Epochs {
		if v, ok := value(r); ok {
			pts = append(pts, plotter.XY{X: float64(r.Epoch), Y: v})
		}
	}
	return pts
}

func (h *History) metricNames() []string {
	seen := make(map[string]bool)
	for _, r := range h.Epochs {
		for k := range r.Metrics {
			seen[k] = true
		}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
