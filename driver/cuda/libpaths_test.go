package cuda

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestSearchPaths(t *testing.T) {
	dir := t.TempDir()
	ldConf := filepath.Join(dir, "ld.so.conf")
	writeFile(t, ldConf, "# main config\ninclude ld.so.conf.d/*.conf\n/usr/local/lib\n")
	writeFile(t, filepath.Join(dir, "ld.so.conf.d", "cuda.conf"), "  /usr/local/cuda/lib64  \n# comment\n")
	writeFile(t, filepath.Join(dir, "ld.so.conf.d", "nvidia.conf"), "/usr/lib/nvidia\n/usr/local/lib\n")
	writeFile(t, filepath.Join(dir, "ld.so.conf.d", "ignored.txt"), "/not/included\n")

	paths := searchPaths("/opt/lib::relative/lib:/usr/lib/nvidia", ldConf)
	assert.Equal(t, []string{
		"/opt/lib",
		"/usr/lib/nvidia",
		"/usr/local/cuda/lib64",
		"/usr/local/lib",
	}, paths)

	// Missing ld.so.conf: only LD_LIBRARY_PATH.
	assert.Equal(t, []string{"/opt/lib"}, searchPaths("/opt/lib", filepath.Join(dir, "missing.conf")))
}

func TestLoadLibraryPathsCycle(t *testing.T) {
	dir := t.TempDir()
	ldConf := filepath.Join(dir, "ld.so.conf")
	writeFile(t, ldConf, "include "+ldConf+"\n/lib64\n")
	paths := loadLibraryPaths(ldConf, 0)
	require.NotEmpty(t, paths)
	for _, p := range paths {
		assert.Equal(t, "/lib64", p)
	}
}

func TestFindLibrary(t *testing.T) {
	dirA, dirB, dirC := t.TempDir(), t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(dirA, "libcuda.so.1"), "")
	writeFile(t, filepath.Join(dirC, "libcuda.so.1"), "")
	require.NoError(t, os.Mkdir(filepath.Join(dirB, "libcuda.so.1"), 0o755))

	found := findLibrary("libcuda.so.1", []string{dirA, dirB, dirC})
	assert.Equal(t, []string{filepath.Join(dirA, "libcuda.so.1"), filepath.Join(dirC, "libcuda.so.1")}, found)
	assert.Empty(t, findLibrary(ptxJITCompilerLibrary, []string{dirA, dirB, dirC}))
}

func TestNulTerminated(t *testing.T) {
	ptx := []byte(".version 7.0")
	terminated := nulTerminated(ptx)
	assert.Equal(t, append([]byte(".version 7.0"), 0), terminated)
	assert.Equal(t, []byte(".version 7.0"), ptx, "input must not be modified")
	assert.Equal(t, terminated, nulTerminated(terminated))
	assert.Equal(t, []byte{0}, nulTerminated(nil))

	elf := []byte("\x7fELF\x02\x01\x01")
	assert.Equal(t, elf, nulTerminated(elf))
}
