package train

import (
	"os"
	"strings"

	"github.com/getcharzp/lampseg"
	"github.com/pkg/errors"
)

// nvidiaDevices 存在其一即认为有可用的 CUDA 设备
var nvidiaDevices = []string{"/dev/nvidiactl", "/dev/nvidia0"}

// DetectDevice 选择训练设备, 启动时调用一次
//
// # Params:
//
//	pref: "auto" (默认), "cuda" 或 "cpu"
func DetectDevice(pref string) (lampseg.Device, error) {
	switch strings.ToLower(pref) {
	case "", "auto":
		if cudaAvailable() {
			return lampseg.DeviceCUDA, nil
		}
		return lampseg.DeviceCPU, nil
	case string(lampseg.DeviceCUDA):
		return lampseg.DeviceCUDA, nil
	case string(lampseg.DeviceCPU):
		return lampseg.DeviceCPU, nil
	default:
		return "", errors.Errorf("未知设备: %q", pref)
	}
}

func cudaAvailable() bool {
	// CUDA_VISIBLE_DEVICES 为空或 -1 时屏蔽所有 GPU
	if v, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES"); ok && (v == "" || v == "-1") {
		return false
	}
	for _, dev := range nvidiaDevices {
		if _, err := os.Stat(dev); err == nil {
			return true
		}
	}
	return false
}
