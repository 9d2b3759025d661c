package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/getcharzp/lampseg"
	"github.com/getcharzp/lampseg/dataset"
	"github.com/getcharzp/lampseg/maskrcnn"
	"github.com/getcharzp/lampseg/train"
	"github.com/getcharzp/lampseg/visualize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/up-zero/gotool/imageutil"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
)

// 预测与标注配对的最低 Mask IoU
const matchIoU = 0.5

// InspectAction 解码所有 Mask, 有任一失败时返回错误
func InspectAction(c *cli.Context) error {
	e, err := setup(c, true)
	if err != nil {
		return err
	}
	defer e.logger.Sync()

	ds, err := dataset.New(e.cfg.Dataset.Layout, dataset.WithDecodeOptions(e.cfg.Dataset.Decode))
	if err != nil {
		return err
	}
	report := dataset.Inspect(ds, c.App.ErrWriter)
	fmt.Fprintln(c.App.Writer, report.String())

	failed := report.Failed()
	for _, s := range failed {
		e.logger.Errorw("样本解码失败", "index", s.Pair.Index, "mask", s.Pair.MaskPath, "error", s.Err)
	}
	if len(failed) > 0 {
		return errors.Errorf("%d/%d 个样本解码失败", len(failed), ds.Len())
	}
	return nil
}

// ExportCOCOAction 切分数据集并导出 COCO 标注
func ExportCOCOAction(c *cli.Context) error {
	e, err := setup(c, true)
	if err != nil {
		return err
	}
	defer e.logger.Sync()

	ds, err := dataset.New(e.cfg.Dataset.Layout, dataset.WithDecodeOptions(e.cfg.Dataset.Decode))
	if err != nil {
		return err
	}
	split, err := exportCOCO(ds, e, c.App.ErrWriter)
	if err != nil {
		return err
	}
	e.logger.Infow("已导出 COCO 标注", "train", split.trainAnn, "test", split.testAnn,
		"train_samples", len(split.train), "test_samples", len(split.test))
	return nil
}

// BootstrapAction 准备参考训练脚本
func BootstrapAction(c *cli.Context) error {
	e, err := setup(c, false)
	if err != nil {
		return err
	}
	defer e.logger.Sync()
	return e.cfg.Reference.Ensure(c.Context, e.logger)
}

// TrainAction 准备参考脚本、导出标注、预检训练样本, 运行训练循环并导出 ONNX 模型
func TrainAction(c *cli.Context) error {
	e, err := setup(c, true)
	if err != nil {
		return err
	}
	defer e.logger.Sync()
	return runTraining(c.Context, e, c.App.ErrWriter)
}

func runTraining(ctx context.Context, e *env, output io.Writer) error {
	cfg := e.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}

	device, err := train.DetectDevice(cfg.Train.Device)
	if err != nil {
		return err
	}
	e.logger.Infow("训练设备", "device", device)

	if err := cfg.Reference.Ensure(ctx, e.logger); err != nil {
		return err
	}

	ds, err := dataset.New(cfg.Dataset.Layout,
		dataset.WithDecodeOptions(cfg.Dataset.Decode),
		dataset.WithTransform(dataset.TrainTransform()),
		dataset.WithSeed(cfg.Dataset.Seed),
	)
	if err != nil {
		return err
	}
	split, err := exportCOCO(ds, e, output)
	if err != nil {
		return err
	}
	if err := preflight(ctx, ds, split.train, e); err != nil {
		return err
	}

	root, err := filepath.Abs(cfg.Dataset.Root)
	if err != nil {
		return errors.Wrap(err, "解析数据集路径失败")
	}
	modelPath, err := filepath.Abs(cfg.Model.ModelPath)
	if err != nil {
		return errors.Wrap(err, "解析模型路径失败")
	}
	backend := &train.ExecBackend{
		WorkDir:       cfg.Reference.WorkDir,
		TrainCommand:  cfg.Train.Command,
		EvalCommand:   cfg.Train.EvalCommand,
		ExportCommand: cfg.Train.ExportCommand,
		Env:           cfg.Train.Env,
		Output:        output,
	}
	// 每次训练都从预训练权重开始
	removed, err := backend.ClearCheckpoint(cfg.Train.Checkpoint)
	if err != nil {
		return err
	}
	if removed {
		e.logger.Infow("已删除上一次训练的权重", "checkpoint", cfg.Train.Checkpoint)
	}

	trainer := train.NewTrainer(cfg.Train.Config, backend, e.logger)
	trainer.Params = train.EpochParams{
		Device:     device,
		NumClasses: cfg.Model.NumClasses,
		Workers:    cfg.Dataset.Workers,
		Seed:       cfg.Dataset.Seed,
		DataRoot:   root,
		ImageDir:   cfg.Dataset.ImageDir,
		TrainAnn:   split.trainAnn,
		TestAnn:    split.testAnn,
		Checkpoint: cfg.Train.Checkpoint,
		ExportPath: modelPath,
	}

	history, runErr := trainer.Run(ctx)
	if history == nil {
		return runErr
	}
	if err := saveHistory(history, cfg.Output.Dir, e); err != nil || runErr != nil {
		return multierr.Append(runErr, err)
	}

	if len(backend.ExportCommand) == 0 {
		e.logger.Warnw("未配置导出命令, 跳过 ONNX 导出")
		return nil
	}
	if err := backend.Export(ctx, trainer.Params); err != nil {
		return err
	}
	e.logger.Infow("ONNX 模型已导出, predict 将直接使用", "model", modelPath)
	return nil
}

// PredictAction 对传入的图片 (或数据集的一部分) 运行模型并输出检查图
func PredictAction(c *cli.Context) error {
	images := c.Args().Slice()
	e, err := setup(c, len(images) == 0)
	if err != nil {
		return err
	}
	defer e.logger.Sync()
	cfg := e.cfg

	device, err := train.DetectDevice(cfg.Train.Device)
	if err != nil {
		return err
	}
	cfg.Model.UseCuda = device == lampseg.DeviceCUDA
	engine, err := maskrcnn.NewEngine(cfg.Model)
	if err != nil {
		return err
	}
	defer engine.Destroy()
	e.logger.Infow("模型已加载", "model", cfg.Model.ModelPath, "device", engine.Device())

	opts := visualize.DefaultOptions()
	opts.GridStep = cfg.Output.GridStep
	if cfg.Output.FontPath != "" {
		drawer, err := lampseg.NewTextDrawer(cfg.Output.FontPath)
		if err != nil {
			return err
		}
		defer drawer.Close()
		opts.Drawer = drawer
	}

	if len(images) > 0 {
		return predictFiles(engine, images, opts, e)
	}
	return predictDataset(c.Context, engine, c.String(flagSplit), opts, e, c.App.Writer)
}

func predictFiles(engine *maskrcnn.Engine, paths []string, opts visualize.Options, e *env) error {
	for _, path := range paths {
		img, err := imageutil.Open(path)
		if err != nil {
			return errors.Wrapf(err, "读取图片 %s 失败", path)
		}
		results, err := engine.Predict(img)
		if err != nil {
			return errors.Wrapf(err, "预测 %s 失败", path)
		}
		out, err := visualize.Inspect(img, results, e.cfg.Output.Dir, stem(path), opts)
		if err != nil {
			return err
		}
		e.logger.Infow("预测完成", "image", path, "instances", len(results), "outputs", len(out))
	}
	return nil
}

// predictDataset 对数据集的 train 或 test 部分预测, 与标注比较并打印 IoU 汇总
func predictDataset(ctx context.Context, engine *maskrcnn.Engine, part string, opts visualize.Options, e *env, w io.Writer) error {
	cfg := e.cfg
	ds, err := dataset.New(cfg.Dataset.Layout,
		dataset.WithDecodeOptions(cfg.Dataset.Decode),
		dataset.WithTransform(dataset.EvalTransform()),
	)
	if err != nil {
		return err
	}
	trainIdx, testIdx, err := dataset.Split(ds.Len(), cfg.Dataset.TestSize, cfg.Dataset.Seed)
	if err != nil {
		return err
	}
	var indices []int
	switch part {
	case "train":
		indices = trainIdx
	case "test", "":
		indices = testIdx
	default:
		return errors.Errorf("未知的数据集部分: %s", part)
	}

	summary := newMatchSummary()
	loader := &dataset.Loader{
		Source:  dataset.Subset{Source: ds, Indices: indices},
		Workers: cfg.Dataset.Workers,
	}
	err = loader.Each(ctx, func(pos int, s dataset.Sample) error {
		idx := indices[pos]
		pair := ds.Pair(idx)
		results, err := engine.Predict(s.Image)
		if err != nil {
			return errors.Wrapf(err, "预测 %s 失败", pair.ImagePath)
		}
		summary.add(pair, maskrcnn.MatchInstances(s.Target.Instances(), results, matchIoU))
		_, err = visualize.Inspect(s.Image, results, cfg.Output.Dir, stem(pair.ImagePath), opts)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(w, summary.String())
	return nil
}

// splitResult 切分结果与导出的标注文件 (绝对路径)
type splitResult struct {
	train, test       []int
	trainAnn, testAnn string
}

// exportCOCO 按配置的种子切分数据集, 在输出目录写出 train.json / test.json
func exportCOCO(ds *dataset.Dataset, e *env, progress io.Writer) (splitResult, error) {
	cfg := e.cfg
	var res splitResult
	var err error
	res.train, res.test, err = dataset.Split(ds.Len(), cfg.Dataset.TestSize, cfg.Dataset.Seed)
	if err != nil {
		return res, err
	}

	dir, err := filepath.Abs(cfg.Output.Dir)
	if err != nil {
		return res, errors.Wrap(err, "解析输出目录失败")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return res, errors.Wrap(err, "创建输出目录失败")
	}
	res.trainAnn = filepath.Join(dir, "train.json")
	res.testAnn = filepath.Join(dir, "test.json")

	for _, part := range []struct {
		indices []int
		path    string
	}{
		{res.train, res.trainAnn},
		{res.test, res.testAnn},
	} {
		coco, err := dataset.BuildCOCO(ds, part.indices, cfg.Dataset.Categories, progress)
		if err != nil {
			return res, err
		}
		if err := writeCOCOFile(part.path, coco); err != nil {
			return res, err
		}
		e.logger.Debugw("已写入标注", "path", part.path, "images", len(coco.Images), "annotations", len(coco.Annotations))
	}
	return res, nil
}

func writeCOCOFile(path string, coco *dataset.COCO) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "创建 %s 失败", path)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	return dataset.WriteCOCO(f, coco)
}

// preflight 训练前以训练变换遍历一次训练集, 尽早发现坏样本
func preflight(ctx context.Context, ds *dataset.Dataset, indices []int, e *env) error {
	loader := &dataset.Loader{
		Source:  dataset.Subset{Source: ds, Indices: indices},
		Shuffle: true,
		Workers: e.cfg.Dataset.Workers,
		Seed:    e.cfg.Dataset.Seed,
	}
	var instances []float64
	err := loader.Each(ctx, func(_ int, s dataset.Sample) error {
		instances = append(instances, float64(s.Target.Len()))
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "训练集预检失败")
	}
	mean, _ := stats.Mean(instances)
	e.logger.Infow("训练集预检完成", "samples", len(instances), "mean_instances", mean)
	return nil
}

func saveHistory(h *train.History, dir string, e *env) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "创建输出目录失败")
	}
	path := filepath.Join(dir, "history.json")
	if err := h.Save(path); err != nil {
		return err
	}
	e.logger.Infow("训练记录已保存", "path", path, "epochs", len(h.Epochs))
	if len(h.Epochs) == 0 {
		return nil
	}
	plot := filepath.Join(dir, "loss.png")
	if err := h.PlotLoss(plot); err != nil {
		return err
	}
	e.logger.Infow("损失曲线已保存", "path", plot)
	return nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// matchSummary 逐样本的匹配统计
type matchSummary struct {
	rows []matchRow
}

type matchRow struct {
	name            string
	matched, missed int
	falsePreds      int
	meanIoU         float64
}

func newMatchSummary() *matchSummary {
	return &matchSummary{}
}

func (m *matchSummary) add(pair dataset.Pair, r maskrcnn.MatchReport) {
	matched := 0
	for _, mt := range r.Matches {
		if mt.GT >= 0 && mt.Pred >= 0 {
			matched++
		}
	}
	m.rows = append(m.rows, matchRow{
		name:       filepath.Base(pair.ImagePath),
		matched:    matched,
		missed:     r.MissedGT,
		falsePreds: r.FalsePreds,
		meanIoU:    r.MeanIoU(),
	})
}

func (m *matchSummary) String() string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"图片", "匹配", "漏检", "误检", "平均 IoU"})
	ious := make([]float64, 0, len(m.rows))
	for _, r := range m.rows {
		t.AppendRow(table.Row{r.name, r.matched, r.missed, r.falsePreds, fmt.Sprintf("%.3f", r.meanIoU)})
		ious = append(ious, r.meanIoU)
	}
	mean, _ := stats.Mean(ious)
	median, _ := stats.Median(ious)
	t.AppendFooter(table.Row{fmt.Sprintf("%d 张", len(m.rows)), "", "", "", fmt.Sprintf("均值 %.3f / 中位数 %.3f", mean, median)})
	return t.Render()
}
