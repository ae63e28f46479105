package location

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseKey parses a canonical key produced by StockLocation.Key back into a
// validated StockLocation.
func ParseKey(key string) (StockLocation, error) {
	kind, rest, ok := strings.Cut(key, ":")
	if !ok {
		return StockLocation{}, fmt.Errorf("%w: malformed key %q", ErrInvalidReference, key)
	}
	var loc StockLocation
	if Kind(kind) == KindSpecial {
		loc = Special(rest)
	} else {
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return StockLocation{}, fmt.Errorf("%w: malformed key %q", ErrInvalidReference, key)
		}
		loc = StockLocation{kind: Kind(kind), id: id}
	}
	if err := loc.Validate(); err != nil {
		return StockLocation{}, err
	}
	return loc, nil
}
