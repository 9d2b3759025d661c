package main

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/getcharzp/lampseg/config"
	"github.com/getcharzp/lampseg/dataset"
	"github.com/getcharzp/lampseg/maskrcnn"
	"github.com/getcharzp/lampseg/train"
	"github.com/goccy/go-json"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"
)

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	test.That(t, os.MkdirAll(filepath.Dir(path), 0o755), test.ShouldBeNil)
	f, err := os.Create(path)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()
	test.That(t, png.Encode(f, img), test.ShouldBeNil)
}

// fixture n 对 20x20 图片与两个实例的 Mask
func fixture(t *testing.T, n int) dataset.Layout {
	t.Helper()
	l := dataset.Layout{Root: t.TempDir(), ImageDir: "images", MaskDir: "masks"}
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 20, 20))
		mask := image.NewGray(image.Rect(0, 0, 20, 20))
		for y := 2; y < 6; y++ {
			for x := 2; x < 8; x++ {
				mask.SetGray(x, y, color.Gray{Y: 1})
				mask.SetGray(x+10, y+10, color.Gray{Y: 2})
			}
		}
		name := string(rune('a'+i)) + ".png"
		writePNG(t, filepath.Join(l.ImagePath(), name), img)
		writePNG(t, filepath.Join(l.MaskPath(), name), mask)
	}
	return l
}

func testEnv(t *testing.T, l dataset.Layout) *env {
	cfg := config.Default()
	cfg.Dataset.Layout = l
	cfg.Dataset.Decode.ExpectedInstances = 2
	cfg.Output.Dir = filepath.Join(t.TempDir(), "out")
	return &env{cfg: cfg, logger: zaptest.NewLogger(t).Sugar()}
}

func TestApplyFlags(t *testing.T) {
	cfg := config.Default()
	cfg.Dataset.Decode.MinPixels = 7
	a := &cli.App{
		Flags: append(append([]cli.Flag{}, datasetFlags...),
			&cli.PathFlag{Name: flagOutput},
			&cli.IntFlag{Name: flagEpochs},
		),
		Action: func(c *cli.Context) error {
			applyFlags(c, &cfg)
			return nil
		},
	}
	err := a.Run([]string{"lampseg", "--root", "/data", "--masks", "m", "--expected-instances", "0", "--epochs", "2"})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, cfg.Dataset.Root, test.ShouldEqual, "/data")
	test.That(t, cfg.Dataset.MaskDir, test.ShouldEqual, "m")
	test.That(t, cfg.Dataset.ImageDir, test.ShouldEqual, "")
	test.That(t, cfg.Dataset.Decode.ExpectedInstances, test.ShouldEqual, 0)
	test.That(t, cfg.Train.Epochs, test.ShouldEqual, 2)
	// 未传入的参数不覆盖
	test.That(t, cfg.Dataset.Decode.MinPixels, test.ShouldEqual, 7)
	test.That(t, cfg.Output.Dir, test.ShouldEqual, "lampseg_out")
	test.That(t, missing(cfg.Dataset.Layout), test.ShouldBeTrue)
}

func TestExportCOCO(t *testing.T) {
	e := testEnv(t, fixture(t, 3))
	ds, err := dataset.New(e.cfg.Dataset.Layout, dataset.WithDecodeOptions(e.cfg.Dataset.Decode))
	test.That(t, err, test.ShouldBeNil)

	res, err := exportCOCO(ds, e, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.train, test.ShouldHaveLength, 2)
	test.That(t, res.test, test.ShouldHaveLength, 1)
	test.That(t, filepath.IsAbs(res.trainAnn), test.ShouldBeTrue)

	data, err := os.ReadFile(res.trainAnn)
	test.That(t, err, test.ShouldBeNil)
	var coco dataset.COCO
	test.That(t, json.Unmarshal(data, &coco), test.ShouldBeNil)
	test.That(t, coco.Images, test.ShouldHaveLength, 2)
	test.That(t, coco.Annotations, test.ShouldHaveLength, 4)
	test.That(t, coco.Categories[0].Name, test.ShouldEqual, "chamber")

	data, err = os.ReadFile(res.testAnn)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, json.Unmarshal(data, &coco), test.ShouldBeNil)
	test.That(t, coco.Images, test.ShouldHaveLength, 1)
}

func TestPreflight(t *testing.T) {
	e := testEnv(t, fixture(t, 3))
	ds, err := dataset.New(e.cfg.Dataset.Layout,
		dataset.WithDecodeOptions(e.cfg.Dataset.Decode),
		dataset.WithTransform(dataset.TrainTransform()),
	)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, preflight(context.Background(), ds, []int{0, 1, 2}, e), test.ShouldBeNil)

	// 预期 4 个实例时每个样本都失败
	e.cfg.Dataset.Decode.ExpectedInstances = 4
	ds, err = dataset.New(e.cfg.Dataset.Layout, dataset.WithDecodeOptions(e.cfg.Dataset.Decode))
	test.That(t, err, test.ShouldBeNil)
	err = preflight(context.Background(), ds, []int{0, 1, 2}, e)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "预检")
}

func TestMatchSummary(t *testing.T) {
	s := newMatchSummary()
	s.add(dataset.Pair{ImagePath: "/d/images/a.png"}, maskrcnn.MatchReport{
		Matches: []maskrcnn.Match{{GT: 0, Pred: 0, IoU: 0.5}, {GT: 1, Pred: -1}},
		MissedGT: 1,
	})
	s.add(dataset.Pair{ImagePath: "/d/images/b.png"}, maskrcnn.MatchReport{
		Matches: []maskrcnn.Match{{GT: 0, Pred: 1, IoU: 1}},
	})
	test.That(t, s.rows, test.ShouldHaveLength, 2)
	test.That(t, s.rows[0].matched, test.ShouldEqual, 1)
	test.That(t, s.rows[0].missed, test.ShouldEqual, 1)

	out := s.String()
	test.That(t, out, test.ShouldContainSubstring, "a.png")
	test.That(t, out, test.ShouldContainSubstring, "均值 0.750")
}

func TestStem(t *testing.T) {
	test.That(t, stem("/data/set100m_vh_4.tif"), test.ShouldEqual, "set100m_vh_4")
	test.That(t, stem("plain"), test.ShouldEqual, "plain")
}

// trainEnv 本地参考仓库 + sh 模拟的 epoch 命令, 训练命令输出第一次执行前权重文件是否存在
func trainEnv(t *testing.T) *env {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("需要 sh")
	}
	e := testEnv(t, fixture(t, 3))
	dir := t.TempDir()

	e.cfg.Reference.CacheDir = filepath.Join(dir, "vision")
	e.cfg.Reference.WorkDir = filepath.Join(dir, "work")
	e.cfg.Reference.Files = []string{"references/detection/engine.py"}
	engine := filepath.Join(e.cfg.Reference.CacheDir, "references/detection/engine.py")
	test.That(t, os.MkdirAll(filepath.Dir(engine), 0o755), test.ShouldBeNil)
	test.That(t, os.WriteFile(engine, []byte("def train_one_epoch(): pass\n"), 0o644), test.ShouldBeNil)

	e.cfg.Train.Device = "cpu"
	e.cfg.Train.Epochs = 2
	e.cfg.Train.Command = []string{sh, "-c",
		`if [ -e "$0" ]; then h=1; else h=0; fi; echo "{\"loss\": 0.5, \"losses\": {\"had_checkpoint\": $h}}"; echo trained > "$0"`,
		"{{.Checkpoint}}"}
	e.cfg.Train.EvalCommand = []string{sh, "-c", `echo '{"metrics": {"segm_ap": 0.25}}'`}
	e.cfg.Train.ExportCommand = []string{sh, "-c", `cp "$0" "$1"`, "{{.Checkpoint}}", "{{.ExportPath}}"}
	e.cfg.Model.ModelPath = filepath.Join(dir, "lamp.onnx")
	return e
}

func TestRunTraining(t *testing.T) {
	e := trainEnv(t)
	ckpt := filepath.Join(e.cfg.Reference.WorkDir, e.cfg.Train.Checkpoint)
	test.That(t, os.MkdirAll(filepath.Dir(ckpt), 0o755), test.ShouldBeNil)
	test.That(t, os.WriteFile(ckpt, []byte("stale"), 0o644), test.ShouldBeNil)

	test.That(t, runTraining(context.Background(), e, nil), test.ShouldBeNil)

	h, err := train.LoadHistory(filepath.Join(e.cfg.Output.Dir, "history.json"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h.Epochs, test.ShouldHaveLength, 2)
	// 旧权重在训练前被删除, 只有第二个 epoch 看到第一个 epoch 写的权重
	test.That(t, h.Epochs[0].Losses["had_checkpoint"], test.ShouldEqual, 0.0)
	test.That(t, h.Epochs[1].Losses["had_checkpoint"], test.ShouldEqual, 1.0)
	test.That(t, h.Epochs[1].Metrics["segm_ap"], test.ShouldEqual, 0.25)
	test.That(t, h.Epochs[1].LR, test.ShouldEqual, e.cfg.Train.Optimizer.LR)

	info, err := os.Stat(filepath.Join(e.cfg.Output.Dir, "loss.png"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Size(), test.ShouldBeGreaterThan, 0)

	model, err := os.ReadFile(e.cfg.Model.ModelPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(model), test.ShouldEqual, "trained\n")

	_, err = os.Stat(filepath.Join(e.cfg.Reference.WorkDir, "engine.py"))
	test.That(t, err, test.ShouldBeNil)
}

func TestRunTraining_EpochFails(t *testing.T) {
	e := trainEnv(t)
	e.cfg.Train.Command = []string{"sh", "-c", "exit 2"}

	err := runTraining(context.Background(), e, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "epoch 0")

	// 失败时仍保存记录, 不导出模型
	h, err := train.LoadHistory(filepath.Join(e.cfg.Output.Dir, "history.json"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h.Epochs, test.ShouldBeEmpty)
	_, err = os.Stat(e.cfg.Model.ModelPath)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}
