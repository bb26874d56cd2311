package auth

import (
	"math"
)

// locationThresholdKm is the great-circle distance within which a reported
// location counts as a known one.
const locationThresholdKm = 50.0

// maxKnownObservations caps each fingerprint set (locations, IPs, devices)
// at the most recently seen entries.
const maxKnownObservations = 20

// ObservationChanged is the change-detector predicate: true when the
// sign-in attempt looks like it comes from somewhere or something the user
// has never used before. Any one dimension mismatching is enough.
//
// A dimension with no stored history (or no probe value) is treated as
// unchanged -- the first sighting is learned, not challenged, so a freshly
// registered user is not locked out of their first login.
func ObservationChanged(user *User, probe Observation) bool {
	return locationChanged(user.Locations, probe.Location) ||
		ipChanged(user.IPAddresses, probe.IPAddress) ||
		deviceChanged(user.Devices, probe.Device)
}

func locationChanged(known []GeoPoint, probe *GeoPoint) bool {
	if probe == nil || len(known) == 0 {
		return false
	}
	for _, p := range known {
		if haversineKm(p, *probe) <= locationThresholdKm {
			return false
		}
	}
	return true
}

func ipChanged(known []string, probe string) bool {
	if probe == "" || len(known) == 0 {
		return false
	}
	for _, ip := range known {
		if ip == probe {
			return false
		}
	}
	return true
}

func deviceChanged(known []DeviceInfo, probe DeviceInfo) bool {
	if probe.IsZero() || len(known) == 0 {
		return false
	}
	for _, d := range known {
		// Exact match on the full 4-tuple.
		if d == probe {
			return false
		}
	}
	return true
}

// RecordObservation appends any unseen parts of the observation to the
// user's known sets, evicting the oldest entries beyond the cap.
func RecordObservation(user *User, probe Observation) {
	// A location within the threshold of a known point is the same place;
	// only genuinely new places are stored.
	if probe.Location != nil && (len(user.Locations) == 0 || locationChanged(user.Locations, probe.Location)) {
		user.Locations = appendCapped(user.Locations, *probe.Location)
	}
	if probe.IPAddress != "" && !containsString(user.IPAddresses, probe.IPAddress) {
		user.IPAddresses = appendCapped(user.IPAddresses, probe.IPAddress)
	}
	if !probe.Device.IsZero() && !containsDevice(user.Devices, probe.Device) {
		user.Devices = appendCapped(user.Devices, probe.Device)
	}
}

func appendCapped[T any](set []T, v T) []T {
	set = append(set, v)
	if len(set) > maxKnownObservations {
		set = set[len(set)-maxKnownObservations:]
	}
	return set
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsDevice(set []DeviceInfo, v DeviceInfo) bool {
	for _, d := range set {
		if d == v {
			return true
		}
	}
	return false
}

// earthRadiusKm is the mean Earth radius used by the haversine formula.
const earthRadiusKm = 6371.0

// haversineKm computes the great-circle distance between two points.
func haversineKm(a, b GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
