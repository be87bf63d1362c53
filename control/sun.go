package control

import (
	"math"
	"time"
)

// Site is an observatory location in degrees
type Site struct {
	Latitude  float64
	Longitude float64
}

// CerroPachon is the Rubin site
var CerroPachon = Site{Latitude: -30.2446, Longitude: -70.7494}

const deg = math.Pi / 180

// SunAzEl returns the azimuth (from north through east) and elevation of
// the sun in degrees at t.  It uses the low precision almanac formulae,
// good to about 0.01 degree, which is plenty to decide about venting.
func SunAzEl(t time.Time, site Site) (az, el float64) {
	// days since J2000.0
	jd := float64(t.UTC().UnixNano())/86400e9 + 2440587.5
	n := jd - 2451545.0

	L := math.Mod(280.460+0.9856474*n, 360)
	g := math.Mod(357.528+0.9856003*n, 360) * deg
	lambda := (L + 1.915*math.Sin(g) + 0.020*math.Sin(2*g)) * deg
	eps := (23.439 - 0.0000004*n) * deg

	ra := math.Atan2(math.Cos(eps)*math.Sin(lambda), math.Cos(lambda))
	dec := math.Asin(math.Sin(eps) * math.Sin(lambda))

	gmst := math.Mod(18.697374558+24.06570982441908*n, 24)
	lst := (gmst*15 + site.Longitude) * deg
	ha := lst - ra

	lat := site.Latitude * deg
	sinEl := math.Sin(lat)*math.Sin(dec) + math.Cos(lat)*math.Cos(dec)*math.Cos(ha)
	elr := math.Asin(sinEl)
	azr := math.Atan2(-math.Sin(ha)*math.Cos(dec), math.Cos(lat)*math.Sin(dec)-math.Sin(lat)*math.Cos(dec)*math.Cos(ha))
	az = math.Mod(azr/deg+360, 360)
	return az, elr / deg
}

// wrap360 maps an angle to [0, 360)
func wrap360(a float64) float64 {
	a = math.Mod(a, 360)
	if a < 0 {
		a += 360
	}
	return a
}
