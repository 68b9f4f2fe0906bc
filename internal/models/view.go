package models

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/spatial/r2"

	"coronary3d/pkg/errors"
)

// CArmView holds the gantry angles of one angiographic acquisition, in degrees.
type CArmView struct {
	// LAORAO is the rotation about the patient's head-foot axis.
	// Positive values are LAO, negative values RAO.
	LAORAO float64 `json:"lao_rao" yaml:"lao_rao" toml:"lao_rao"`

	// CranialCaudal is the rotation about the patient's left-right axis.
	// Positive values are cranial, negative values caudal.
	CranialCaudal float64 `json:"cranial_caudal" yaml:"cranial_caudal" toml:"cranial_caudal"`
}

func (v CArmView) String() string {
	side := "LAO"
	if v.LAORAO < 0 {
		side = "RAO"
	}
	tilt := "CRA"
	if v.CranialCaudal < 0 {
		tilt = "CAU"
	}
	abs := func(f float64) float64 {
		if f < 0 {
			return -f
		}
		return f
	}
	return fmt.Sprintf("%s %.0f / %s %.0f", side, abs(v.LAORAO), tilt, abs(v.CranialCaudal))
}

// ViewImage pairs an image with the C-arm angles it was acquired at.
type ViewImage struct {
	Image *Image
	View  CArmView
}

// BranchRole is the anatomical role of a manually tracked branch.
type BranchRole int

const (
	RoleUnknown BranchRole = iota
	RoleMainVessel
	RoleBranch1
	RoleBranch2
	RoleBranch3
	RoleBranch4
)

// branchRoleLabels maps the labels used by the tracking front-end to roles.
var branchRoleLabels = map[string]BranchRole{
	"main_vessel": RoleMainVessel,
	"main":        RoleMainVessel,
	"branch_1":    RoleBranch1,
	"branch_2":    RoleBranch2,
	"branch_3":    RoleBranch3,
	"branch_4":    RoleBranch4,
}

// ParseBranchRole resolves a front-end label to a role.
func ParseBranchRole(label string) (BranchRole, bool) {
	role, ok := branchRoleLabels[strings.ToLower(strings.TrimSpace(label))]
	return role, ok
}

func (r BranchRole) String() string {
	switch r {
	case RoleMainVessel:
		return "main_vessel"
	case RoleBranch1:
		return "branch_1"
	case RoleBranch2:
		return "branch_2"
	case RoleBranch3:
		return "branch_3"
	case RoleBranch4:
		return "branch_4"
	default:
		return "unknown"
	}
}

// IsSideBranch reports whether the role is a branch off the main vessel.
func (r BranchRole) IsSideBranch() bool {
	return r >= RoleBranch1 && r <= RoleBranch4
}

// TrackedView is one view of manually tracked centerline points.
type TrackedView struct {
	View CArmView

	// Branches holds the ordered 2D points of each tracked branch
	Branches map[BranchRole][]r2.Vec

	// Width and Height of the source image; zero means unknown and the
	// projection's principal point falls back to the configured value
	Width  int
	Height int
}

// PointCount returns the total number of tracked points in the view.
func (tv TrackedView) PointCount() int {
	n := 0
	for _, pts := range tv.Branches {
		n += len(pts)
	}
	return n
}

// TrackedViewData is the wire form of a TrackedView, as posted by the
// tracking front-end or stored in a track file. Branches are keyed by
// role label and hold [x, y] pixel pairs.
type TrackedViewData struct {
	View     CArmView                `json:"angles" yaml:"angles"`
	Width    int                     `json:"width,omitempty" yaml:"width,omitempty"`
	Height   int                     `json:"height,omitempty" yaml:"height,omitempty"`
	Branches map[string][][2]float64 `json:"branches" yaml:"branches"`
}

// TrackedView resolves the role labels. An unrecognised label is an
// UNKNOWN_BRANCH input error.
func (d TrackedViewData) TrackedView() (TrackedView, error) {
	labels := make([]string, 0, len(d.Branches))
	for label := range d.Branches {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	tv := TrackedView{
		View:     d.View,
		Branches: make(map[BranchRole][]r2.Vec, len(d.Branches)),
		Width:    d.Width,
		Height:   d.Height,
	}
	for _, label := range labels {
		role, ok := ParseBranchRole(label)
		if !ok {
			return TrackedView{}, errors.New(errors.ErrCodeUnknownBranch, "unknown branch label %q", label)
		}
		if _, dup := tv.Branches[role]; dup {
			return TrackedView{}, errors.New(errors.ErrCodeInvalidInput, "branch %s given twice", role)
		}
		pts := make([]r2.Vec, len(d.Branches[label]))
		for i, p := range d.Branches[label] {
			pts[i] = r2.Vec{X: p[0], Y: p[1]}
		}
		tv.Branches[role] = pts
	}
	return tv, nil
}
