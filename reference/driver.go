package reference

import (
	_ "embed"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// DriverName 每个 epoch 调用一次的驱动脚本
const DriverName = "lamp_epoch.py"

//go:embed lamp_epoch.py
var driver []byte

// WriteDriver 将驱动脚本写入工作目录, 已存在的同名文件会被覆盖
func (b Bootstrap) WriteDriver() (string, error) {
	if err := os.MkdirAll(b.WorkDir, 0o755); err != nil {
		return "", errors.Wrap(err, "创建工作目录失败")
	}
	path := filepath.Join(b.WorkDir, DriverName)
	if err := os.WriteFile(path, driver, 0o644); err != nil {
		return "", errors.Wrapf(err, "写入 %s 失败", path)
	}
	return path, nil
}
