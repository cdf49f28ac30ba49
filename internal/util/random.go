// Package util provides small helpers shared across ScanPipe components.
package util

import (
	"math/rand"
	"strings"
)

// GenerateRandomID returns "{prefix}{hex}" with hexLength random hex characters.
// Not suitable for secrets.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random lowercase hexadecimal string of the specified length.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.Intn(16)])
	}

	return builder.String()
}

// GenerateCaptureID generates a file-safe identifier for a captured image with "img_" prefix.
func GenerateCaptureID() string {
	return GenerateRandomID("img_", 16)
}

// GenerateReportFileName generates a cache file name for a downloaded report PDF.
func GenerateReportFileName(reportID string) string {
	reportID = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return -1
		}
	}, reportID)
	if reportID == "" {
		reportID = GenerateRandomHex(12)
	}
	return "report_" + reportID + ".pdf"
}
