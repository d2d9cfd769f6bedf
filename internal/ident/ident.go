// Package ident extracts the numeric sensor id a peripheral embeds in
// its advertised name. Firmware images name their devices
// "ESP32_<KIND>_<digits>" (e.g. "ESP32_SPOILAGE_7"); older builds use
// looser "ESP32<sep><digits>" forms, and anything else is matched by
// its first embedded digit run.
package ident

import (
	"regexp"
	"strconv"
)

// DefaultID is assigned when no digits can be extracted from a name.
const DefaultID = 1

var (
	kindPattern  = regexp.MustCompile(`ESP32_[A-Za-z0-9]+_(\d+)`)
	loosePattern = regexp.MustCompile(`ESP32[^0-9]?(\d+)`)
	digitPattern = regexp.MustCompile(`(\d+)`)
)

// ParseDeviceID extracts a numeric device id from an advertised name.
// Patterns are tried from most to least specific; DefaultID is
// returned when nothing matches.
func ParseDeviceID(name string) int {
	for _, re := range []*regexp.Regexp{kindPattern, loosePattern, digitPattern} {
		if m := re.FindStringSubmatch(name); m != nil {
			if id, err := strconv.Atoi(m[1]); err == nil {
				return id
			}
		}
	}
	return DefaultID
}
