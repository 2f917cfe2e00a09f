// Package geo validates claimed locations against reference points.
//
// Distances are great-circle (haversine) distances on a sphere of radius
// 6371 km. Validation fails closed: a missing reference point never passes.
package geo

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mbd888/fieldguard/internal/faults"
)

// EarthRadiusMeters is the mean Earth radius used for all distances.
const EarthRadiusMeters = 6371000.0

// DefaultToleranceMeters is the geofence radius when no per-kind value applies.
const DefaultToleranceMeters = 100.0

// FlagNoReference is reported when validation had nothing to compare against.
const FlagNoReference = "NO_REFERENCE"

// ErrInvalidPoint is returned for coordinates outside the valid degree ranges.
var ErrInvalidPoint = fmt.Errorf("%w: invalid coordinates", faults.ErrValidation)

// Point is a latitude/longitude pair in degrees.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate reports whether p holds finite coordinates within range.
func (p Point) Validate() error {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) ||
		math.IsInf(p.Latitude, 0) || math.IsInf(p.Longitude, 0) {
		return ErrInvalidPoint
	}
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return ErrInvalidPoint
	}
	return nil
}

// String formats the point as "lat,lng" with six decimals.
func (p Point) String() string {
	return strconv.FormatFloat(p.Latitude, 'f', 6, 64) + "," + strconv.FormatFloat(p.Longitude, 'f', 6, 64)
}

// Distance returns the haversine distance between a and b in meters.
func Distance(a, b Point) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLng := (b.Longitude - a.Longitude) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	// Rounding can push h a hair past 1 for antipodal points.
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// DistanceKm is Distance in kilometers.
func DistanceKm(a, b Point) float64 {
	return Distance(a, b) / 1000
}

// Result is the outcome of comparing a claimed point with a reference.
type Result struct {
	DistanceMeters  float64 `json:"distanceMeters"`
	WithinTolerance bool    `json:"withinTolerance"`
	ToleranceMeters float64 `json:"toleranceMeters"`
	Flag            string  `json:"flag,omitempty"`
}

// MarshalJSON encodes an infinite distance as null.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	out := struct {
		plain
		DistanceMeters *float64 `json:"distanceMeters"`
	}{plain: plain(r)}
	if !math.IsInf(r.DistanceMeters, 0) && !math.IsNaN(r.DistanceMeters) {
		out.DistanceMeters = &r.DistanceMeters
	}
	return json.Marshal(out)
}

// Validate compares claimed with reference. A nil reference fails closed with
// FlagNoReference and an infinite distance.
func Validate(claimed Point, reference *Point, toleranceMeters float64) Result {
	if toleranceMeters <= 0 {
		toleranceMeters = DefaultToleranceMeters
	}
	if reference == nil {
		return Result{
			DistanceMeters:  math.Inf(1),
			WithinTolerance: false,
			ToleranceMeters: toleranceMeters,
			Flag:            FlagNoReference,
		}
	}
	d := Distance(claimed, *reference)
	return Result{
		DistanceMeters:  d,
		WithinTolerance: d <= toleranceMeters,
		ToleranceMeters: toleranceMeters,
	}
}

// Tolerances holds geofence radii per entity kind.
type Tolerances struct {
	Default float64
	ByKind  map[string]float64
}

// NewTolerances returns tolerances with the given default and no overrides.
func NewTolerances(defaultMeters float64) Tolerances {
	if defaultMeters <= 0 {
		defaultMeters = DefaultToleranceMeters
	}
	return Tolerances{Default: defaultMeters, ByKind: map[string]float64{}}
}

// For returns the tolerance for kind, falling back to the default.
func (t Tolerances) For(kind string) float64 {
	if v, ok := t.ByKind[strings.ToLower(kind)]; ok && v > 0 {
		return v
	}
	if t.Default > 0 {
		return t.Default
	}
	return DefaultToleranceMeters
}

// ParseTolerances parses "kind=meters,kind=meters" into per-kind overrides.
func ParseTolerances(defaultMeters float64, spec string) (Tolerances, error) {
	t := NewTolerances(defaultMeters)
	if strings.TrimSpace(spec) == "" {
		return t, nil
	}
	for _, part := range strings.Split(spec, ",") {
		kind, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || kind == "" {
			return t, fmt.Errorf("invalid tolerance entry %q", part)
		}
		meters, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || meters <= 0 {
			return t, fmt.Errorf("invalid tolerance for %q: %q", kind, value)
		}
		t.ByKind[strings.ToLower(strings.TrimSpace(kind))] = meters
	}
	return t, nil
}
