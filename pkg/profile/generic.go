package profile

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/fako1024/btscale/pkg/scale"
	"github.com/shopspring/decimal"
)

// Generic denotes a line based ASCII protocol as spoken by many indicators, e.g. `W: 12.340 kg`
// or `ST,GS,+0012.34kg` in response to `W`
var Generic = Profile{
	Name:               "generic",
	ReadCommand:        "W",
	ZeroCommand:        "Z",
	StreamStartCommand: "C",
	StreamStopCommand:  "P",
	Parse:              ParseGeneric,
}

var (
	weightPattern   = regexp.MustCompile(`([-+]?\s*[0-9]+(?:[.,][0-9]+)?)\s*([a-zA-Z]+)`)
	unstableMarkers = map[string]struct{}{
		"US":       {},
		"MOTION":   {},
		"UNSTABLE": {},
		"DYN":      {},
	}
)

// ParseGeneric extracts the first `<number> <unit>` pair of a frame. Frames containing an
// instability marker (`US`, `?`, ...) yield unstable readings
func ParseGeneric(frame string) (scale.Reading, bool) {
	match := weightPattern.FindStringSubmatch(frame)
	if len(match) != 3 {
		return scale.Reading{}, false
	}

	unit, ok := scale.ParseUnit(match[2])
	if !ok {
		return scale.Reading{}, false
	}

	number := strings.ReplaceAll(strings.ReplaceAll(match[1], " ", ""), ",", ".")
	value, err := decimal.NewFromString(strings.TrimPrefix(number, "+"))
	if err != nil {
		return scale.Reading{}, false
	}

	return scale.NewReading(value, unit, isStable(frame)), true
}

func isStable(frame string) bool {
	if strings.Contains(frame, "?") {
		return false
	}

	tokens := strings.FieldsFunc(strings.ToUpper(frame), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, token := range tokens {
		if _, unstable := unstableMarkers[token]; unstable {
			return false
		}
	}
	return true
}
