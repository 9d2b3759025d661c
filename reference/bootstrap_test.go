package reference

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	test.That(t, os.MkdirAll(filepath.Dir(path), 0o755), test.ShouldBeNil)
	test.That(t, os.WriteFile(path, []byte(content), 0o644), test.ShouldBeNil)
}

func TestDefaultBootstrap(t *testing.T) {
	b := DefaultBootstrap()
	test.That(t, b.Commit, test.ShouldEqual, "2f40a483d")
	test.That(t, b.Files, test.ShouldHaveLength, 5)
}

func TestEnsure_CachePresent(t *testing.T) {
	dir := t.TempDir()
	b := Bootstrap{
		RepoURL:  "https://invalid.example/never-cloned.git",
		CacheDir: filepath.Join(dir, "vision"),
		WorkDir:  filepath.Join(dir, "work"),
		Files:    []string{"references/detection/engine.py", "references/detection/utils.py"},
	}
	writeFile(t, filepath.Join(b.CacheDir, "references/detection/engine.py"), "def train_one_epoch(): pass\n")
	writeFile(t, filepath.Join(b.CacheDir, "references/detection/utils.py"), "def collate_fn(): pass\n")
	test.That(t, b.Present(), test.ShouldBeTrue)

	test.That(t, b.Ensure(context.Background(), zaptest.NewLogger(t).Sugar()), test.ShouldBeNil)
	data, err := os.ReadFile(filepath.Join(b.WorkDir, "engine.py"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldContainSubstring, "train_one_epoch")
	_, err = os.Stat(filepath.Join(b.WorkDir, "utils.py"))
	test.That(t, err, test.ShouldBeNil)

	data, err = os.ReadFile(filepath.Join(b.WorkDir, DriverName))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldContainSubstring, "train_one_epoch")
	test.That(t, string(data), test.ShouldContainSubstring, "MaskRCNNPredictor")
}

func TestEnsure_MissingFile(t *testing.T) {
	dir := t.TempDir()
	b := Bootstrap{
		CacheDir: dir,
		WorkDir:  filepath.Join(dir, "work"),
		Files:    []string{"references/detection/coco_eval.py"},
	}
	err := b.Ensure(context.Background(), zaptest.NewLogger(t).Sugar())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "coco_eval.py")
}

func TestEnsure_CloneLocalRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("需要 git 可执行文件")
	}
	src := t.TempDir()
	repo, err := git.PlainInit(src, false)
	test.That(t, err, test.ShouldBeNil)
	wt, err := repo.Worktree()
	test.That(t, err, test.ShouldBeNil)

	sig := &object.Signature{Name: "lamp", Email: "lamp@example.com", When: time.Now()}
	writeFile(t, filepath.Join(src, "references/detection/engine.py"), "v1\n")
	_, err = wt.Add("references/detection/engine.py")
	test.That(t, err, test.ShouldBeNil)
	pinned, err := wt.Commit("v1", &git.CommitOptions{Author: sig})
	test.That(t, err, test.ShouldBeNil)

	writeFile(t, filepath.Join(src, "references/detection/engine.py"), "v2\n")
	_, err = wt.Add("references/detection/engine.py")
	test.That(t, err, test.ShouldBeNil)
	_, err = wt.Commit("v2", &git.CommitOptions{Author: sig})
	test.That(t, err, test.ShouldBeNil)

	dir := t.TempDir()
	b := Bootstrap{
		RepoURL:  src,
		Commit:   pinned.String(),
		CacheDir: filepath.Join(dir, "vision"),
		WorkDir:  filepath.Join(dir, "work"),
		Files:    []string{"references/detection/engine.py"},
	}
	test.That(t, b.Ensure(context.Background(), zaptest.NewLogger(t).Sugar()), test.ShouldBeNil)

	// 固定在第一个提交
	data, err := os.ReadFile(filepath.Join(b.WorkDir, "engine.py"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "v1\n")
}

func TestWriteDriver(t *testing.T) {
	b := Bootstrap{WorkDir: filepath.Join(t.TempDir(), "work")}
	path, err := b.WriteDriver()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, filepath.Base(path), test.ShouldEqual, DriverName)

	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	src := string(data)
	// epoch 0 不读取旧权重
	test.That(t, src, test.ShouldContainSubstring, `resume = args.mode == "evaluate" or args.epoch > 0`)
	// 与参考脚本的 evaluate 兼容的标注格式
	test.That(t, src, test.ShouldContainSubstring, `"image_id": torch.tensor([info["id"]])`)
	test.That(t, src, test.ShouldContainSubstring, "T.ToTensor()")
	// 导出的输入输出名称与推理引擎一致
	test.That(t, src, test.ShouldContainSubstring, `input_names=["images"]`)
	test.That(t, src, test.ShouldContainSubstring, `output_names=["boxes", "labels", "scores", "masks"]`)
}
