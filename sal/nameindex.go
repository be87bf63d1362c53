package sal

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var nameIndexRE = regexp.MustCompile(`^([a-zA-Z_-][a-zA-Z0-9_-]*)(?::(\d+))?$`)

// ParseNameIndex splits "Name:index" into its parts.
// The index is 0 when absent.
func ParseNameIndex(s string) (string, int, error) {
	m := nameIndexRE.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", 0, fmt.Errorf("%w: %q", ErrBadName, s)
	}
	idx := 0
	if m[2] != "" {
		var err error
		idx, err = strconv.Atoi(m[2])
		if err != nil {
			return "", 0, fmt.Errorf("%w: %q", ErrBadName, s)
		}
	}
	return m[1], idx, nil
}

// FormatNameIndex is the inverse of ParseNameIndex.
// Index 0 is written without the colon.
func FormatNameIndex(name string, index int) string {
	if index == 0 {
		return name
	}
	return name + ":" + strconv.Itoa(index)
}

// AttrName is the lowercase attribute name device groups use for a
// component, e.g. MTHexapod:1 -> mthexapod_1
func AttrName(name string, index int) string {
	n := strings.ToLower(name)
	if index == 0 {
		return n
	}
	return n + "_" + strconv.Itoa(index)
}
