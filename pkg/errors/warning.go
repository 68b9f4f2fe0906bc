package errors

import "fmt"

// WarningKind classifies a recovered, non-fatal pipeline condition.
type WarningKind string

const (
	WarnEmptySegmentation  WarningKind = "EMPTY_SEGMENTATION"
	WarnDegenerateGeometry WarningKind = "DEGENERATE_GEOMETRY"
	WarnNotConverged       WarningKind = "NOT_CONVERGED"
	WarnInvalidBifurcation WarningKind = "INVALID_BIFURCATION"
)

// Warning records a degraded-but-present outcome. View is the zero-based
// view index the warning refers to, or -1 when it concerns the whole request.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	Message string      `json:"message"`
	View    int         `json:"view"`
}

func (w Warning) String() string {
	if w.View >= 0 {
		return fmt.Sprintf("%s (view %d): %s", w.Kind, w.View, w.Message)
	}
	return fmt.Sprintf("%s: %s", w.Kind, w.Message)
}

// NewWarning builds a request-level warning.
func NewWarning(kind WarningKind, format string, args ...any) Warning {
	return Warning{Kind: kind, Message: fmt.Sprintf(format, args...), View: -1}
}

// NewViewWarning builds a warning attached to one view.
func NewViewWarning(kind WarningKind, view int, format string, args ...any) Warning {
	return Warning{Kind: kind, Message: fmt.Sprintf(format, args...), View: view}
}

// CountKind returns how many warnings of the given kind are present.
func CountKind(warnings []Warning, kind WarningKind) int {
	n := 0
	for _, w := range warnings {
		if w.Kind == kind {
			n++
		}
	}
	return n
}
