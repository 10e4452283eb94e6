package cuda

import (
	"path/filepath"

	"github.com/gomlx/gocudriver/internal/config"
	"k8s.io/klog/v2"
)

// ptxJITCompilerLibrary is loaded by the driver to compile PTX modules.
const ptxJITCompilerLibrary = "libnvidia-ptxjitcompiler.so.1"

// checkInstallation issues warnings for common problems of the NVIDIA driver installation, that
// otherwise only show up later as confusing errors.
//
// To disable it set GOCUDRIVER_CUDA_CHECKS=0.
func checkInstallation(libraryPath string) {
	paths := libraryPaths()
	if filepath.IsAbs(libraryPath) {
		paths = append([]string{filepath.Dir(libraryPath)}, paths...)
	}
	if len(findLibrary(ptxJITCompilerLibrary, paths)) == 0 {
		klog.Warningf("Can't find %q in the library paths %v: loading PTX modules will likely fail with "+
			"JIT_COMPILER_NOT_FOUND. It is usually installed with the NVIDIA driver, in the same directory "+
			"as libcuda.so. If you only load cubin modules, or have it installed elsewhere, disable this "+
			"warning with %s=0.", ptxJITCompilerLibrary, paths, config.CUDAChecksEnv)
	}
	if found := findLibrary("libcuda.so.1", paths); len(found) > 1 {
		klog.Warningf("Found more than one CUDA driver library: %v. If they are from different driver "+
			"versions, loading may pick the wrong one; set %s to the absolute path of the one to use.",
			found, config.CUDALibraryEnv)
	}
}
