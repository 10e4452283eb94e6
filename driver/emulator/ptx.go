package emulator

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gomlx/gocudriver/driver"
	"github.com/gomlx/gocudriver/dtypes"
	"github.com/pkg/errors"
)

// ptxModule is what the emulator needs from a PTX image: its target and the signatures of its entry points.
type ptxModule struct {
	versionMajor, versionMinor int

	// target compute capability, 10*major + minor.
	target int

	entries []ptxEntry
}

type ptxEntry struct {
	name   string
	params []dtypes.DType
}

var (
	reBlockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLineComment  = regexp.MustCompile(`//[^\n]*`)
	reVersion      = regexp.MustCompile(`(?m)^\s*\.version\s+(\d+)\.(\d+)\s*$`)
	reTarget       = regexp.MustCompile(`(?m)^\s*\.target\s+([^\n]+)$`)
	reSMTarget     = regexp.MustCompile(`^sm_(\d+)[af]?$`)
	reAddressSize  = regexp.MustCompile(`(?m)^\s*\.address_size\s+(\d+)\s*$`)
	reEntry        = regexp.MustCompile(`\.entry\s+([A-Za-z_$][\w$]*)\s*(\(([^)]*)\))?\s*(\.[a-z]+[^{]*)?\{`)
	reParam        = regexp.MustCompile(`^\.param\s+(\.[a-z]+\d*)\b`)
	reIdentifier   = regexp.MustCompile(`^[A-Za-z_$%][\w$]*$`)
)

// parsePTX extracts the target and entry points of a PTX text image.
// Images that aren't text return StatusInvalidImage, malformed PTX returns StatusInvalidPTX.
func parsePTX(image []byte) (*ptxModule, driver.Status, error) {
	image = bytes.TrimRight(image, "\x00")
	if len(image) == 0 {
		return nil, driver.StatusInvalidImage, errors.New("empty image")
	}
	if bytes.HasPrefix(image, []byte("\x7fELF")) {
		return nil, driver.StatusInvalidImage, errors.New("cubin (ELF) images are not supported by the emulator, use PTX")
	}
	if !utf8.Valid(image) || bytes.IndexByte(image, 0) >= 0 {
		return nil, driver.StatusInvalidImage, errors.New("image is not PTX text")
	}
	text := reBlockComment.ReplaceAllString(string(image), "")
	text = reLineComment.ReplaceAllString(text, "")

	m := &ptxModule{}
	version := reVersion.FindStringSubmatch(text)
	if version == nil {
		return nil, driver.StatusInvalidPTX, errors.New("missing .version directive")
	}
	m.versionMajor, _ = strconv.Atoi(version[1])
	m.versionMinor, _ = strconv.Atoi(version[2])

	target := reTarget.FindStringSubmatch(text)
	if target == nil {
		return nil, driver.StatusInvalidPTX, errors.New("missing .target directive")
	}
	for _, t := range strings.Split(target[1], ",") {
		if sm := reSMTarget.FindStringSubmatch(strings.TrimSpace(t)); sm != nil {
			m.target, _ = strconv.Atoi(sm[1])
		}
	}
	if m.target == 0 {
		return nil, driver.StatusInvalidPTX, errors.Errorf("no sm_XY architecture in .target %q", strings.TrimSpace(target[1]))
	}

	if addressSize := reAddressSize.FindStringSubmatch(text); addressSize != nil && addressSize[1] != "64" {
		return nil, driver.StatusInvalidPTX, errors.Errorf(".address_size %s not supported, only 64", addressSize[1])
	}
	if err := checkBraces(text); err != nil {
		return nil, driver.StatusInvalidPTX, err
	}

	seen := make(map[string]bool)
	for _, match := range reEntry.FindAllStringSubmatch(text, -1) {
		entry := ptxEntry{name: match[1]}
		if seen[entry.name] {
			return nil, driver.StatusInvalidPTX, errors.Errorf("entry %q defined twice", entry.name)
		}
		seen[entry.name] = true
		if strings.TrimSpace(match[3]) != "" {
			for _, param := range strings.Split(match[3], ",") {
				dtype, err := parseParam(strings.TrimSpace(param))
				if err != nil {
					return nil, driver.StatusInvalidPTX, errors.WithMessagef(err, "entry %q", entry.name)
				}
				entry.params = append(entry.params, dtype)
			}
		}
		m.entries = append(m.entries, entry)
	}
	if strings.Count(text, ".entry") != len(m.entries) {
		return nil, driver.StatusInvalidPTX, errors.New("malformed .entry declaration")
	}
	return m, driver.StatusSuccess, nil
}

// parseParam returns the dtype of a parameter declaration, like ".param .u64 add_param_0" or
// ".param .u64 .ptr .global .align 4 x".
func parseParam(decl string) (dtypes.DType, error) {
	match := reParam.FindStringSubmatch(decl)
	if match == nil {
		return dtypes.InvalidDType, errors.Errorf("invalid parameter declaration %q", decl)
	}
	dtype := dtypes.FromPTX(match[1])
	if dtype == dtypes.InvalidDType {
		return dtypes.InvalidDType, errors.Errorf("unsupported parameter type %q in %q", match[1], decl)
	}
	fields := strings.Fields(decl)
	if name := fields[len(fields)-1]; !reIdentifier.MatchString(name) {
		return dtypes.InvalidDType, errors.Errorf("invalid parameter name %q in %q", name, decl)
	}
	return dtype, nil
}

func checkBraces(text string) error {
	depth := 0
	for _, r := range text {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth < 0 {
				return errors.New("unbalanced braces: unexpected '}'")
			}
		}
	}
	if depth != 0 {
		return errors.Errorf("unbalanced braces: %d block(s) not closed", depth)
	}
	return nil
}
