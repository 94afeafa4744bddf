package device

import (
	"fmt"
	"strings"
)

// Placement selects where lane stacks live on the device. It affects
// performance only; results are identical for every placement.
type Placement int

// Memory placements.
const (
	PlacementGlobal  Placement = iota // one slab shared by every lane
	PlacementLocal                    // one slab per work-group
	PlacementPrivate                  // one allocation per lane
)

var placementNames = [...]string{"global", "local", "private"}

// String returns the placement name.
func (p Placement) String() string {
	if p >= 0 && int(p) < len(placementNames) {
		return placementNames[p]
	}
	return fmt.Sprintf("placement(%d)", int(p))
}

// Valid reports whether p names a known placement.
func (p Placement) Valid() bool {
	return p >= 0 && int(p) < len(placementNames)
}

// ParsePlacement parses a placement name.
func ParsePlacement(s string) (Placement, error) {
	for i, name := range placementNames {
		if strings.EqualFold(s, name) {
			return Placement(i), nil
		}
	}
	return 0, fmt.Errorf("unknown placement %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Placement) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("unknown placement %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Placement) UnmarshalText(text []byte) error {
	parsed, err := ParsePlacement(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
