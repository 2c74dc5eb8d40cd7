package runtimecli

import (
	"math"
	"strconv"
	"strings"
)

// parseDockerSize parses the human-readable size string `docker image
// history` prints (e.g. "77.84MB", "1.5GB", "0B"), using decimal (not
// binary) unit multipliers the way the Docker CLI itself formats them.
//
// This can't be handed to docker/go-units.FromHumanSize: that function
// rejects an unrecognized suffix, while this parser must fall back to a
// multiplier of 1 for one (deliberately preserving a known quirk of the
// upstream formatter rather than rejecting its output).
func parseDockerSize(s string) uint64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "0B" {
		return 0
	}
	if isAllDigits(s) {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0
		}
		return n
	}

	split := len(s)
	for split > 0 && !isDigitOrDot(s[split-1]) {
		split--
	}
	numPart, suffix := s[:split], s[split:]

	num, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0
	}

	multiplier := 1.0
	switch suffix {
	case "B":
		multiplier = 1
	case "kB", "KB":
		multiplier = 1e3
	case "MB":
		multiplier = 1e6
	case "GB":
		multiplier = 1e9
	case "TB":
		multiplier = 1e12
	}

	return uint64(math.Floor(num * multiplier))
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func isDigitOrDot(b byte) bool {
	return (b >= '0' && b <= '9') || b == '.'
}
