//go:build linux || freebsd

/*
 *	Copyright 2024 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package cuda

// This file loads the CUDA driver library and binds its entry points.
//
// Modified version of https://github.com/coreos/pkg/blob/main/dlopen/dlopen.go, licenced with Apache 2.0 license
// https://github.com/coreos/pkg/blob/main/LICENSE

import (
	"path/filepath"

	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// loadLibrary opens the CUDA driver library: name as given first (so the dynamic loader resolves
// it), then in each of the library paths.
//
// The handle is never closed: the library stays loaded until the process exits.
func loadLibrary(name string) (lib uintptr, path string, err error) {
	candidates := []string{name}
	if !filepath.IsAbs(name) {
		for _, dir := range libraryPaths() {
			candidates = append(candidates, filepath.Join(dir, name))
		}
	}
	for _, candidate := range candidates {
		klog.V(2).Infof("trying to load %q", candidate)
		lib, err = purego.Dlopen(candidate, purego.RTLD_LAZY|purego.RTLD_GLOBAL)
		if err == nil {
			klog.V(1).Infof("loaded CUDA driver library %q", candidate)
			return lib, candidate, nil
		}
		klog.V(2).Infof("failed to load %q: %v", candidate, err)
	}
	return 0, "", errors.Errorf("failed to load CUDA driver library %q (is the NVIDIA driver installed?)", name)
}

// bindSymbols binds all the entry points of symbols. It fails if any of them is missing, for
// instance with a driver older than the API used.
func bindSymbols(lib uintptr) error {
	for _, s := range symbols {
		sym, err := purego.Dlsym(lib, s.name)
		if err != nil {
			return errors.Wrapf(err, "CUDA driver library is missing symbol %q", s.name)
		}
		purego.RegisterFunc(s.fn, sym)
	}
	return nil
}
