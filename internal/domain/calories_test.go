package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMETTiers(t *testing.T) {
	cases := []struct {
		speed float64
		want  float64
	}{
		{0, 2.0},
		{3.19, 2.0},
		{3.2, 3.0},
		{4.79, 3.0},
		{4.8, 3.5},
		{6.39, 3.5},
		{6.4, 4.3},
		{12, 4.3},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, MET(tc.speed), "speed %.2f", tc.speed)
	}
}

func TestCaloriesUsesAverageSpeedTier(t *testing.T) {
	// 4 km in one hour is 4 km/h, MET 3.0.
	require.InDelta(t, 3.0*70*1, Calories(4, 3600, 70), 1e-9)
	// 2.5 km in 30 minutes is 5 km/h, MET 3.5.
	require.InDelta(t, 3.5*80*0.5, Calories(2.5, 1800, 80), 1e-9)
}

func TestCaloriesZeroInputs(t *testing.T) {
	require.Zero(t, Calories(0, 3600, 70))
	require.Zero(t, Calories(3, 0, 70))
	require.Zero(t, Calories(-1, 100, 70))
}

func TestCaloriesDefaultsWeight(t *testing.T) {
	require.Equal(t, Calories(4, 3600, DefaultWeightKg), Calories(4, 3600, 0))
}

func TestAverageSpeed(t *testing.T) {
	require.Zero(t, AverageSpeed(5, 0))
	require.InDelta(t, 6.0, AverageSpeed(3, 1800), 1e-9)
}

func TestActivityDataValidate(t *testing.T) {
	distance := 101.0
	err := ActivityData{DistanceKm: &distance}.Validate()
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "distance", vErr.Field)

	steps := -1
	require.Error(t, ActivityData{Steps: &steps}.Validate())

	ok := 2.5
	require.NoError(t, ActivityData{DistanceKm: &ok}.Validate())
	require.NoError(t, ActivityData{}.Validate())
}
