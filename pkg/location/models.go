package location

import "time"

// Location represents the geographical coordinates of a device
type Location struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64 // metres for network fixes, HDOP for GPS fixes
	Timestamp time.Time
}
