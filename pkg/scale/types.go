package scale

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Unit denotes the unit of the weight measurement
type Unit string

const (

	// UnitUnknown denotes an unknown / invalid unit
	UnitUnknown Unit = "--"

	// UnitGrams denotes grams
	UnitGrams Unit = "g"

	// UnitKilograms denotes kilograms
	UnitKilograms Unit = "kg"

	// UnitMilligrams denotes milligrams
	UnitMilligrams Unit = "mg"

	// UnitTons denotes metric tons
	UnitTons Unit = "t"

	// UnitPounds denotes imperial pounds
	UnitPounds Unit = "lb"

	// UnitOz denotes imperial ounces
	UnitOz Unit = "oz"
)

var unitAliases = map[string]Unit{
	"g":         UnitGrams,
	"gr":        UnitGrams,
	"gram":      UnitGrams,
	"grams":     UnitGrams,
	"kg":        UnitKilograms,
	"kgs":       UnitKilograms,
	"kilogram":  UnitKilograms,
	"kilograms": UnitKilograms,
	"mg":        UnitMilligrams,
	"t":         UnitTons,
	"ton":       UnitTons,
	"tons":      UnitTons,
	"lb":        UnitPounds,
	"lbs":       UnitPounds,
	"pound":     UnitPounds,
	"pounds":    UnitPounds,
	"oz":        UnitOz,
	"ounce":     UnitOz,
	"ounces":    UnitOz,
}

// ParseUnit maps a unit symbol or name (case insensitive) to a Unit
func ParseUnit(s string) (Unit, bool) {
	unit, ok := unitAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return UnitUnknown, false
	}
	return unit, true
}

// Status denotes the connection status of a device
type Status int32

const (

	// StatusDisconnected is the initial status and the status after a disconnect
	StatusDisconnected Status = iota

	// StatusConnecting is active while a connection attempt is in progress
	StatusConnecting

	// StatusConnected is active while being connected to the device
	StatusConnected

	// StatusError is active after a failed connection attempt or a fatal transport fault
	StatusError
)

// String returns a human readable representation of the status
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Identity denotes the (immutable) identification of a device
type Identity struct {
	Name         string
	Manufacturer string
	Model        string
}

// DisplayName returns the name used to refer to the device in logs and errors
func (i Identity) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	if i.Manufacturer != "" || i.Model != "" {
		return strings.TrimSpace(i.Manufacturer + " " + i.Model)
	}
	return "unnamed device"
}

// Reading denotes a weight measurement at a certain point in time
type Reading struct {
	TimeStamp time.Time
	Unit      Unit
	Value     decimal.Decimal
	IsStable  bool
	Metadata  map[string]any
}

// NewReading creates a reading, stamping it with the current time
func NewReading(value decimal.Decimal, unit Unit, stable bool) Reading {
	return Reading{
		TimeStamp: time.Now(),
		Unit:      unit,
		Value:     value,
		IsStable:  stable,
	}
}

// WithMetadata returns a copy of the reading carrying an additional metadata entry
func (r Reading) WithMetadata(key string, value any) Reading {
	md := make(map[string]any, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		md[k] = v
	}
	md[key] = value
	r.Metadata = md

	return r
}

// Float provides the reading value as float64 (for interface use)
func (r Reading) Float() float64 {
	f, _ := r.Value.Float64()
	return f
}

// String returns a compact representation of the reading, e.g. "12.34 kg (stable)"
func (r Reading) String() string {
	stability := "unstable"
	if r.IsStable {
		stability = "stable"
	}
	return r.Value.String() + " " + string(r.Unit) + " (" + stability + ")"
}
