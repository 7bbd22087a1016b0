package profile

import (
	"fmt"
	"strings"

	"github.com/fako1024/btscale/pkg/scale"
	"github.com/shopspring/decimal"
)

// SICS denotes the MT-SICS level 0 command set (Mettler Toledo and compatibles)
var SICS = Profile{
	Name:               "sics",
	ReadCommand:        "SI",
	ZeroCommand:        "Z",
	StreamStartCommand: "SIR",
	StreamStopCommand:  "@",
	Parse:              ParseSICS,
	ZeroAck:            checkSICSZero,
}

// ParseSICS parses a weight response, e.g. `S S     100.00 g` (stable) or `S D  99.98 g`
// (dynamic). Status responses (`S I`, `S +`, `S -`) and errors do not yield a reading
func ParseSICS(frame string) (scale.Reading, bool) {
	fields := strings.Fields(frame)
	if len(fields) != 4 || (fields[0] != "S" && fields[0] != "SI") {
		return scale.Reading{}, false
	}

	var stable bool
	switch fields[1] {
	case "S":
		stable = true
	case "D":
		stable = false
	default:
		return scale.Reading{}, false
	}

	value, err := decimal.NewFromString(fields[2])
	if err != nil {
		return scale.Reading{}, false
	}
	unit, ok := scale.ParseUnit(fields[3])
	if !ok {
		return scale.Reading{}, false
	}

	return scale.NewReading(value, unit, stable), true
}

func checkSICSZero(response string) error {
	for _, frame := range SplitLines(response) {
		fields := strings.Fields(frame)
		if len(fields) < 2 || fields[0] != "Z" {
			continue
		}
		switch fields[1] {
		case "A":
			return nil
		case "+", "-":
			return fmt.Errorf("%w: zero setting range exceeded", scale.ErrOverload)
		case "I":
			return fmt.Errorf("zero command not executed (scale busy)")
		}
	}

	return &scale.ParseError{Response: response}
}
