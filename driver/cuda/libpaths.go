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

// This file finds the directories where the CUDA libraries may be installed.
//
// Modified version of https://github.com/coreos/pkg/blob/main/dlopen/dlopen.go, licenced with Apache 2.0 license
// https://github.com/coreos/pkg/blob/main/LICENSE

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

var (
	reLdConfInclude = regexp.MustCompile(`^\s*include\s*(.*)$`)
	reLdConfComment = regexp.MustCompile(`^\s*#`)
	reLdConfPath    = regexp.MustCompile(`^\s*(.+?)\s*$`)
)

// libraryPaths returns the directories searched for the CUDA libraries: the entries of LD_LIBRARY_PATH
// followed by the ones configured in /etc/ld.so.conf, without duplicates.
var libraryPaths = sync.OnceValue(func() []string {
	paths := searchPaths(os.Getenv("LD_LIBRARY_PATH"), "/etc/ld.so.conf")
	klog.V(1).Infof("library paths: %v", paths)
	return paths
})

func searchPaths(ldLibraryPath, ldConf string) []string {
	var paths []string
	for _, ldPath := range strings.Split(ldLibraryPath, ":") {
		if ldPath == "" || !filepath.IsAbs(ldPath) {
			// No empty or relative paths.
			continue
		}
		paths = append(paths, ldPath)
	}
	paths = append(paths, loadLibraryPaths(ldConf, 0)...)

	var unique []string
	for _, p := range paths {
		if !slices.Contains(unique, p) {
			unique = append(unique, p)
		}
	}
	return unique
}

// maxIncludeDepth protects against include cycles in ld.so.conf files.
const maxIncludeDepth = 8

// loadLibraryPaths parses a ld.so.conf file, following its includes.
func loadLibraryPaths(filePath string, depth int) (paths []string) {
	if depth > maxIncludeDepth {
		klog.Warningf("loadLibraryPaths: too many nested includes at %q", filePath)
		return nil
	}
	file, err := os.Open(filePath)
	if err != nil {
		klog.V(1).Infof("failed to load paths for libraries from %q: %v", filePath, err)
		return nil
	}
	defer func() { _ = file.Close() }()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if parts := reLdConfInclude.FindStringSubmatch(line); len(parts) > 0 {
			pattern := parts[1]
			if !filepath.IsAbs(pattern) {
				pattern = filepath.Join(filepath.Dir(filePath), pattern)
			}
			files, err := filepath.Glob(pattern)
			if err != nil {
				klog.Errorf("failed to expand include entry %q of %q: %v", parts[1], filePath, err)
				continue
			}
			for _, includeFile := range files {
				paths = append(paths, loadLibraryPaths(includeFile, depth+1)...)
			}

		} else if reLdConfComment.MatchString(line) {
			continue

		} else if parts := reLdConfPath.FindStringSubmatch(line); len(parts) > 0 {
			paths = append(paths, parts[1])
		}
	}
	if err := scanner.Err(); err != nil {
		klog.Errorf("error while loading paths for libraries from %q: %v", filePath, err)
	}
	return paths
}

// findLibrary returns the paths where a library with the given name exists, in search order.
func findLibrary(name string, paths []string) []string {
	var found []string
	for _, dir := range paths {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			found = append(found, candidate)
		}
	}
	return found
}
