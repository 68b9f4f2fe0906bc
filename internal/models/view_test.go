package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"

	"coronary3d/pkg/errors"
)

func TestParseBranchRole(t *testing.T) {
	for label, want := range map[string]BranchRole{
		"main_vessel": RoleMainVessel,
		"Main":        RoleMainVessel,
		" branch_3 ":  RoleBranch3,
	} {
		got, ok := ParseBranchRole(label)
		assert.True(t, ok, label)
		assert.Equal(t, want, got, label)
	}

	_, ok := ParseBranchRole("branch_9")
	assert.False(t, ok)
	assert.Equal(t, "unknown", RoleUnknown.String())
	assert.True(t, RoleBranch4.IsSideBranch())
	assert.False(t, RoleMainVessel.IsSideBranch())
}

func TestTrackedViewData(t *testing.T) {
	d := TrackedViewData{
		View:  CArmView{LAORAO: 30},
		Width: 512,
		Branches: map[string][][2]float64{
			"main":     {{1, 2}, {3, 4}},
			"branch_1": {{5, 6}},
		},
	}
	tv, err := d.TrackedView()
	require.NoError(t, err)
	assert.Equal(t, 3, tv.PointCount())
	assert.Equal(t, []r2.Vec{{X: 1, Y: 2}, {X: 3, Y: 4}}, tv.Branches[RoleMainVessel])
	assert.Equal(t, 512, tv.Width)
}

func TestTrackedViewDataErrors(t *testing.T) {
	_, err := TrackedViewData{Branches: map[string][][2]float64{"lad": {{1, 1}}}}.TrackedView()
	assert.True(t, errors.Is(err, errors.ErrCodeUnknownBranch))

	_, err = TrackedViewData{Branches: map[string][][2]float64{
		"main":        {{1, 1}},
		"main_vessel": {{2, 2}},
	}}.TrackedView()
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestCArmViewString(t *testing.T) {
	assert.Equal(t, "RAO 30 / CRA 20", CArmView{LAORAO: -30, CranialCaudal: 20}.String())
	assert.Equal(t, "LAO 45 / CAU 10", CArmView{LAORAO: 45, CranialCaudal: -10}.String())
}
