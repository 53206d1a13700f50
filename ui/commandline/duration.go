// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// durationPartRegexp matches each number and unit of a time.Duration string, e.g. "1" "m" and "30.5" "s"
// in "1m30.5s". Longer units come first, so "ms" is not read as minutes.
var durationPartRegexp = regexp.MustCompile(`(\d+(?:\.\d+)?)(ms|µs|us|ns|h|m|s)`)

// FormatDuration pretty prints duration with 2 decimal places in its smallest unit,
// e.g. "1.50s" or "1m30.25s".
func FormatDuration(d time.Duration) string {
	s := d.String()
	parts := durationPartRegexp.FindAllStringSubmatchIndex(s, -1)
	if len(parts) == 0 {
		return s
	}
	last := parts[len(parts)-1]
	num, err := strconv.ParseFloat(s[last[2]:last[3]], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%s%.2f%s", s[:last[2]], num, s[last[4]:])
}
