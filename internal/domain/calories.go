package domain

// DefaultWeightKg is used when the user has no recorded weight.
const DefaultWeightKg = 70.0

// metTier maps an upper speed bound (km/h, exclusive) to a metabolic equivalent.
type metTier struct {
	below float64
	met   float64
}

var walkingMETs = []metTier{
	{below: 3.2, met: 2.0},
	{below: 4.8, met: 3.0},
	{below: 6.4, met: 3.5},
}

const briskWalkingMET = 4.3

// MET returns the metabolic equivalent for walking at speedKmh.
func MET(speedKmh float64) float64 {
	for _, tier := range walkingMETs {
		if speedKmh < tier.below {
			return tier.met
		}
	}
	return briskWalkingMET
}

// Calories estimates energy spent as MET x weight x hours, using the average speed of the session.
func Calories(distanceKm float64, durationSeconds int, weightKg float64) float64 {
	if distanceKm <= 0 || durationSeconds <= 0 {
		return 0
	}
	if weightKg <= 0 {
		weightKg = DefaultWeightKg
	}
	hours := float64(durationSeconds) / 3600
	return MET(distanceKm/hours) * weightKg * hours
}

// AverageSpeed returns km/h, or zero for an empty duration.
func AverageSpeed(distanceKm float64, durationSeconds int) float64 {
	if durationSeconds <= 0 {
		return 0
	}
	return distanceKm / (float64(durationSeconds) / 3600)
}
