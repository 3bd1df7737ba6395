package constants

// LocationPermissionRequestCode keys the answer to the location permission request.
const LocationPermissionRequestCode = 1

// Display texts
const (
	// NoLocationText is shown until the first location reading arrives.
	NoLocationText = "no data"
	// SensorUnavailableSuffix follows the sensor name when the device has no such sensor.
	SensorUnavailableSuffix = " not available"
)

// Notices
const (
	NoticePermissionDenied    = "Location permission denied"
	NoticeUnableToGetLocation = "Unable to get location"
	NoticeNotAuthorized       = "Location access not authorized"
	NoticeUpdatesUnavailable  = "Unable to receive location updates"
)
