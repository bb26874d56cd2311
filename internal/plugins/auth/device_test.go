package auth

import (
	"fmt"
	"math"
	"testing"
)

var (
	berlin   = GeoPoint{Lat: 52.5200, Lon: 13.4050}
	potsdam  = GeoPoint{Lat: 52.3906, Lon: 13.0645} // ~27 km from Berlin
	hamburg  = GeoPoint{Lat: 53.5511, Lon: 9.9937}  // ~255 km from Berlin
	knownDev = DeviceInfo{DeviceType: "phone", OS: "android 14", AppVersion: "2.1.0", UniqueIdentifier: "device-abc"}
)

func TestHaversineKm(t *testing.T) {
	tests := []struct {
		name     string
		a, b     GeoPoint
		expected float64
		tol      float64
	}{
		{"same point", berlin, berlin, 0, 0.001},
		{"berlin to potsdam", berlin, potsdam, 27, 3},
		{"berlin to hamburg", berlin, hamburg, 255, 10},
		{"antipodal-ish", GeoPoint{Lat: 0, Lon: 0}, GeoPoint{Lat: 0, Lon: 180}, 20015, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := haversineKm(tt.a, tt.b)
			if math.Abs(got-tt.expected) > tt.tol {
				t.Errorf("expected ~%.0f km, got %.1f km", tt.expected, got)
			}
		})
	}
}

func TestObservationChanged_KnownEverything(t *testing.T) {
	user := &User{
		Locations:   []GeoPoint{berlin},
		IPAddresses: []string{"203.0.113.7"},
		Devices:     []DeviceInfo{knownDev},
	}
	obs := Observation{
		Device:    knownDev,
		IPAddress: "203.0.113.7",
		Location:  &potsdam, // within 50 km of a known point
	}
	if ObservationChanged(user, obs) {
		t.Error("a fully known observation must not trigger the detector")
	}
}

func TestObservationChanged_FarLocation(t *testing.T) {
	user := &User{
		Locations:   []GeoPoint{berlin},
		IPAddresses: []string{"203.0.113.7"},
		Devices:     []DeviceInfo{knownDev},
	}
	obs := Observation{
		Device:    knownDev,
		IPAddress: "203.0.113.7",
		Location:  &hamburg, // beyond the 50 km threshold
	}
	if !ObservationChanged(user, obs) {
		t.Error("a location far from every known point must trigger the detector")
	}
}

func TestObservationChanged_UnknownIP(t *testing.T) {
	user := &User{
		IPAddresses: []string{"203.0.113.7"},
		Devices:     []DeviceInfo{knownDev},
	}
	obs := Observation{Device: knownDev, IPAddress: "198.51.100.9"}
	if !ObservationChanged(user, obs) {
		t.Error("an unknown IP must trigger the detector")
	}
}

func TestObservationChanged_DeviceTupleMustMatchExactly(t *testing.T) {
	user := &User{Devices: []DeviceInfo{knownDev}}

	almost := knownDev
	almost.AppVersion = "2.2.0" // one field off

	if !ObservationChanged(user, Observation{Device: almost}) {
		t.Error("a partial 4-tuple match must count as a new device")
	}
	if ObservationChanged(user, Observation{Device: knownDev}) {
		t.Error("an exact 4-tuple match must count as known")
	}
}

func TestObservationChanged_EmptyHistoryIsNotChallenged(t *testing.T) {
	// A freshly created record has no fingerprints; its first sign-in is
	// learned, not challenged.
	user := &User{}
	obs := Observation{Device: knownDev, IPAddress: "203.0.113.7", Location: &berlin}
	if ObservationChanged(user, obs) {
		t.Error("empty history must not trigger the detector")
	}
}

func TestRecordObservation_AppendsOnlyUnseen(t *testing.T) {
	user := &User{
		Locations:   []GeoPoint{berlin},
		IPAddresses: []string{"203.0.113.7"},
		Devices:     []DeviceInfo{knownDev},
	}

	// Same place (within threshold), same IP, same device: nothing appended.
	RecordObservation(user, Observation{Device: knownDev, IPAddress: "203.0.113.7", Location: &potsdam})
	if len(user.Locations) != 1 || len(user.IPAddresses) != 1 || len(user.Devices) != 1 {
		t.Error("known observations must not grow the fingerprint sets")
	}

	// Genuinely new observations append.
	newDev := knownDev
	newDev.UniqueIdentifier = "device-xyz"
	RecordObservation(user, Observation{Device: newDev, IPAddress: "198.51.100.9", Location: &hamburg})
	if len(user.Locations) != 2 || len(user.IPAddresses) != 2 || len(user.Devices) != 2 {
		t.Errorf("expected all three sets to grow, got %d/%d/%d",
			len(user.Locations), len(user.IPAddresses), len(user.Devices))
	}
}

func TestRecordObservation_CapsAtMostRecent(t *testing.T) {
	user := &User{}
	for i := 0; i < maxKnownObservations+5; i++ {
		RecordObservation(user, Observation{IPAddress: fmt.Sprintf("10.0.0.%d", i)})
	}
	if len(user.IPAddresses) != maxKnownObservations {
		t.Fatalf("expected the IP set capped at %d, got %d", maxKnownObservations, len(user.IPAddresses))
	}
	// Oldest entries evicted, most recent kept.
	if user.IPAddresses[0] != "10.0.0.5" {
		t.Errorf("expected oldest surviving entry 10.0.0.5, got %s", user.IPAddresses[0])
	}
	last := user.IPAddresses[len(user.IPAddresses)-1]
	if last != fmt.Sprintf("10.0.0.%d", maxKnownObservations+4) {
		t.Errorf("expected the most recent entry kept, got %s", last)
	}
}
