package simulator

import (
	"math"
	"math/rand/v2"

	"github.com/KevinKickass/FieldSense/internal/types"
)

var windDirections = []string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// Payload is the "data" object of a sensor_data message.
type Payload struct {
	types.Measurements
	BatteryLevel *int `json:"battery_level,omitempty"`
}

func round(v float64, places int) *float64 {
	p := math.Pow(10, float64(places))
	r := math.Round(v*p) / p
	return &r
}

func between(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

// RandomPayload produces plausible field readings for a farm plot.
func RandomPayload(rng *rand.Rand) Payload {
	direction := windDirections[rng.IntN(len(windDirections))]
	battery := 10 + rng.IntN(91)

	return Payload{
		Measurements: types.Measurements{
			AirTemperature: round(between(rng, 20, 35), 1),
			AirHumidity:    round(between(rng, 40, 90), 1),
			SoilMoisture:   round(between(rng, 30, 80), 1),
			SoilPH:         round(between(rng, 5.5, 8), 1),
			WindSpeed:      round(between(rng, 0, 25), 1),
			WindDirection:  &direction,
			Nitrogen:       round(between(rng, 80, 200), 0),
			Phosphorus:     round(between(rng, 50, 150), 0),
			Potassium:      round(between(rng, 150, 300), 0),
			Rainfall:       round(between(rng, 0, 5), 2),
		},
		BatteryLevel: &battery,
	}
}
