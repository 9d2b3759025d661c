package maskrcnn

import (
	"sort"

	"github.com/getcharzp/lampseg/dataset"
	"github.com/montanaflynn/stats"
)

// Match 一对标注实例与预测结果
type Match struct {
	GT   int // 标注实例下标, 未匹配为 -1
	Pred int // 预测结果下标, 未匹配为 -1
	IoU  float32
}

// MatchReport 单张图片的匹配结果
type MatchReport struct {
	Matches    []Match
	MissedGT   int // 没有匹配到预测的标注实例数
	FalsePreds int // 没有匹配到标注的预测数
}

// MeanIoU 已匹配实例的平均 Mask IoU
func (r MatchReport) MeanIoU() float64 {
	ious := make([]float64, 0, len(r.Matches))
	for _, m := range r.Matches {
		if m.GT >= 0 && m.Pred >= 0 {
			ious = append(ious, float64(m.IoU))
		}
	}
	mean, err := stats.Mean(ious)
	if err != nil {
		return 0
	}
	return mean
}

// MatchInstances 按 Mask IoU 从高到低贪心匹配标注与预测
//
// 仅用于人工检查每个腔室的分割质量, 不是 COCO 指标。
//
// # Params:
//
//	gt: 标注实例
//	pred: 预测结果 (Mask 需与标注同尺寸)
//	iouThresh: 低于该 IoU 的配对不计为匹配
func MatchInstances(gt []dataset.Instance, pred []SegResult, iouThresh float32) MatchReport {
	type pairIoU struct {
		g, p int
		iou  float32
	}
	var pairs []pairIoU
	for g := range gt {
		for p := range pred {
			if gt[g].Mask.Bounds() != pred[p].Mask.Bounds() {
				continue
			}
			if iou := computeIOU(gt[g].Mask, pred[p].Mask); iou >= iouThresh && iou > 0 {
				pairs = append(pairs, pairIoU{g: g, p: p, iou: iou})
			}
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].iou > pairs[j].iou })

	usedGT := make([]bool, len(gt))
	usedPred := make([]bool, len(pred))
	var report MatchReport
	for _, pr := range pairs {
		if usedGT[pr.g] || usedPred[pr.p] {
			continue
		}
		usedGT[pr.g], usedPred[pr.p] = true, true
		report.Matches = append(report.Matches, Match{GT: pr.g, Pred: pr.p, IoU: pr.iou})
	}
	for g, used := range usedGT {
		if !used {
			report.MissedGT++
			report.Matches = append(report.Matches, Match{GT: g, Pred: -1})
		}
	}
	for p, used := range usedPred {
		if !used {
			report.FalsePreds++
			report.Matches = append(report.Matches, Match{GT: -1, Pred: p})
		}
	}
	return report
}
