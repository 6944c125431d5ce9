package flag

import (
	"fmt"

	"github.com/trezcool/clearance/core"
)

// Policy maps severities to points. It is built from configuration so bands can change
// without code changes.
type Policy struct {
	bands map[Severity]core.PointsBand
}

// DefaultBands are used for severities missing from the configuration.
var DefaultBands = map[Severity]core.PointsBand{
	SeverityLow:    {Min: 1, Max: 3, Default: 2},
	SeverityMedium: {Min: 4, Max: 7, Default: 5},
	SeverityHigh:   {Min: 8, Max: 15, Default: 10},
}

func NewPolicy(bands map[string]core.PointsBand) Policy {
	p := Policy{bands: make(map[Severity]core.PointsBand, len(Severities))}
	for sev, band := range DefaultBands {
		p.bands[sev] = band
	}
	for sev, band := range bands {
		if s := Severity(sev); s.IsValid() && band.Max > 0 {
			p.bands[s] = band
		}
	}
	return p
}

func (p Policy) Band(sev Severity) (core.PointsBand, bool) {
	band, ok := p.bands[sev]
	return band, ok
}

// Points returns the points to deduct: the band's default, or `override` if it fits the band.
func (p Policy) Points(sev Severity, override *int) (int, error) {
	band, ok := p.bands[sev]
	if !ok {
		return 0, core.NewValidationError(
			fmt.Errorf("unknown severity %q", sev),
			core.FieldError{Field: "severity", Error: "unknown severity"},
		)
	}
	if override == nil {
		return band.Default, nil
	}
	if pts := *override; pts < band.Min || pts > band.Max {
		msg := fmt.Sprintf("points must be between %d and %d for %s severity", band.Min, band.Max, sev)
		return 0, core.NewValidationError(ErrInvalidPoints, core.FieldError{Field: "points", Error: msg})
	}
	return *override, nil
}
