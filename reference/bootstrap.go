// Package reference 准备 torchvision detection 参考训练脚本
package reference

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Bootstrap 参考仓库的克隆与文件拷贝参数
type Bootstrap struct {
	RepoURL  string   `yaml:"repo_url"`
	Commit   string   `yaml:"commit"`    // 固定的提交, 可以是缩写
	CacheDir string   `yaml:"cache_dir"` // 本地克隆目录, 已存在时不再克隆
	WorkDir  string   `yaml:"work_dir"`  // 拷贝目标目录
	Files    []string `yaml:"files"`     // 相对仓库根目录的文件
}

// DefaultBootstrap torchvision references/detection 的默认配置
func DefaultBootstrap() Bootstrap {
	return Bootstrap{
		RepoURL:  "https://github.com/pytorch/vision.git",
		Commit:   "2f40a483d",
		CacheDir: "vision",
		WorkDir:  ".",
		Files: []string{
			"references/detection/utils.py",
			"references/detection/transforms.py",
			"references/detection/coco_eval.py",
			"references/detection/engine.py",
			"references/detection/coco_utils.py",
		},
	}
}

// Present 本地克隆是否已存在
func (b Bootstrap) Present() bool {
	info, err := os.Stat(b.CacheDir)
	return err == nil && info.IsDir()
}

// Ensure 克隆 (如需要) 并拷贝参考脚本, 最后写入 epoch 驱动脚本
func (b Bootstrap) Ensure(ctx context.Context, logger *zap.SugaredLogger) error {
	if b.Present() {
		logger.Infow("参考仓库已存在", "dir", b.CacheDir)
	} else {
		if err := b.clone(ctx, logger); err != nil {
			// 不保留不完整的克隆, 下次重新克隆
			_ = os.RemoveAll(b.CacheDir)
			return err
		}
	}
	if err := b.copyFiles(logger); err != nil {
		return err
	}
	path, err := b.WriteDriver()
	if err != nil {
		return err
	}
	logger.Debugw("已写入驱动脚本", "path", path)
	return nil
}

func (b Bootstrap) clone(ctx context.Context, logger *zap.SugaredLogger) error {
	logger.Infow("克隆参考仓库", "url", b.RepoURL, "commit", b.Commit, "dir", b.CacheDir)
	repo, err := git.PlainCloneContext(ctx, b.CacheDir, false, &git.CloneOptions{
		URL:        b.RepoURL,
		NoCheckout: true,
	})
	if err != nil {
		return errors.Wrapf(err, "克隆 %s 失败", b.RepoURL)
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(b.Commit))
	if err != nil {
		return errors.Wrapf(err, "解析提交 %s 失败", b.Commit)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return errors.Wrap(err, "打开工作区失败")
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
		return errors.Wrapf(err, "检出 %s 失败", hash)
	}
	logger.Debugw("已检出", "hash", hash.String())
	return nil
}

func (b Bootstrap) copyFiles(logger *zap.SugaredLogger) error {
	if err := os.MkdirAll(b.WorkDir, 0o755); err != nil {
		return errors.Wrap(err, "创建工作目录失败")
	}
	for _, rel := range b.Files {
		src := filepath.Join(b.CacheDir, filepath.FromSlash(rel))
		dst := filepath.Join(b.WorkDir, filepath.Base(rel))
		if err := copyFile(src, dst); err != nil {
			return errors.Wrapf(err, "拷贝 %s 失败", rel)
		}
		logger.Debugw("已拷贝", "src", src, "dst", dst)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
