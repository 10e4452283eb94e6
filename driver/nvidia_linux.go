//go:build linux

package driver

import (
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// HasNvidiaGPU tries to guess if there is an actual NVIDIA GPU installed (as opposed to only the drivers
// installed, but no actual hardware).
// It does that by checking for the presence of the device files in /dev/nvidia*, and falling back to
// running nvidia-smi.
var HasNvidiaGPU = sync.OnceValue(func() bool {
	matches, err := filepath.Glob("/dev/nvidia*")
	if err != nil {
		klog.Errorf("Failed to figure out if there is an NVIDIA GPU installed while searching for files matching \"/dev/nvidia*\": %v", err)
	}
	if len(matches) > 0 {
		return true
	}
	klog.V(1).Infof("No NVIDIA devices found matching \"/dev/nvidia*\", checking nvidia-smi command instead.")

	if _, lookErr := exec.LookPath("nvidia-smi"); lookErr == nil {
		output, cmdErr := exec.Command("nvidia-smi").CombinedOutput()
		if cmdErr == nil && strings.Contains(string(output), "NVIDIA-SMI") {
			return true
		}
	}
	klog.V(1).Infof("nvidia-smi command did not succeed, assuming there are no GPU cards installed in the system. " +
		"To force the use of the \"cuda\" backend, set GOCUDRIVER_BACKEND=cuda.")
	return false
})
