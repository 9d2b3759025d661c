package dataset

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"
	"github.com/samber/lo"
	"github.com/schollz/progressbar/v3"
)

// SampleReport 单个样本的检查结果
type SampleReport struct {
	Pair      Pair
	Instances int
	MinPixels int // 最小实例的像素数
	Err       error
}

// Report 数据集检查结果
type Report struct {
	Samples []SampleReport
}

// Inspect 逐个解码 Mask, 收集实例数与错误, 不在第一个错误处停止
func Inspect(ds *Dataset, progress io.Writer) Report {
	var bar *progressbar.ProgressBar
	if progress != nil {
		bar = progressbar.NewOptions(ds.Len(),
			progressbar.OptionSetWriter(progress),
			progressbar.OptionSetDescription("检查 Mask"),
			progressbar.OptionShowCount(),
		)
	}

	report := Report{Samples: make([]SampleReport, 0, ds.Len())}
	for i := 0; i < ds.Len(); i++ {
		sr := SampleReport{Pair: ds.Pair(i)}
		instances, err := ds.Instances(i)
		if err != nil {
			sr.Err = err
		} else {
			sr.Instances = len(instances)
			sr.MinPixels = lo.MinBy(instances, func(a, b Instance) bool { return a.Pixels < b.Pixels }).Pixels
		}
		report.Samples = append(report.Samples, sr)
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return report
}

// Failed 解码失败的样本
func (r Report) Failed() []SampleReport {
	return lo.Filter(r.Samples, func(s SampleReport, _ int) bool { return s.Err != nil })
}

// MeanInstances 成功样本的平均实例数
func (r Report) MeanInstances() float64 {
	counts := lo.FilterMap(r.Samples, func(s SampleReport, _ int) (float64, bool) {
		return float64(s.Instances), s.Err == nil
	})
	mean, err := stats.Mean(counts)
	if err != nil {
		return 0
	}
	return mean
}

// String 以表格形式输出
func (r Report) String() string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "Image", "Mask", "Instances", "Min Pixels", "Error"})
	for _, s := range r.Samples {
		errText := ""
		if s.Err != nil {
			errText = s.Err.Error()
		}
		t.AppendRow(table.Row{
			s.Pair.Index,
			filepath.Base(s.Pair.ImagePath),
			filepath.Base(s.Pair.MaskPath),
			s.Instances,
			s.MinPixels,
			errText,
		})
	}
	t.AppendFooter(table.Row{"", "", "", fmt.Sprintf("mean %.2f", r.MeanInstances()), "", fmt.Sprintf("%d failed", len(r.Failed()))})
	return t.Render()
}
