//go:build !(linux || freebsd)

package cuda

import (
	"runtime"

	"github.com/pkg/errors"
)

func loadLibrary(name string) (uintptr, string, error) {
	return 0, "", errors.Errorf("the CUDA backend is not supported on %s, can't load %q", runtime.GOOS, name)
}

func bindSymbols(uintptr) error {
	return errors.Errorf("the CUDA backend is not supported on %s", runtime.GOOS)
}
