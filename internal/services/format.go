package services

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/benmeehan/motion-tracker/pkg/location"
	"github.com/benmeehan/motion-tracker/pkg/motion"
)

// FormatLocation renders a reading as shown in the location region.
func FormatLocation(loc location.Location) string {
	return fmt.Sprintf("Latitude: %s\nLongitude: %s", formatFloat(loc.Latitude), formatFloat(loc.Longitude))
}

// FormatSample renders a sample as shown in its sensor region.
func FormatSample(s motion.Sample) string {
	return fmt.Sprintf("%s:\nX: %s\nY: %s\nZ: %s", s.Kind, formatFloat(s.X), formatFloat(s.Y), formatFloat(s.Z))
}

// formatFloat prints the shortest exact decimal, keeping one fractional digit for whole numbers.
func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if math.IsInf(v, 0) || math.IsNaN(v) || strings.Contains(s, ".") {
		return s
	}
	return s + ".0"
}
