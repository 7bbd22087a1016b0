// Package profile provides command dictionaries for byte-stream scales: the commands a
// device understands and the function turning one of its response lines into a reading
package profile

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fako1024/btscale/pkg/scale"
)

// ParseFunc turns a single response frame into a reading (ok == false if it does not match)
type ParseFunc func(frame string) (reading scale.Reading, ok bool)

// Profile denotes the command dictionary of a device model. Empty commands are not
// supported by the device (or, for ReadCommand, not required because the device pushes
// readings by itself)
type Profile struct {
	Name string

	ReadCommand        string
	ZeroCommand        string
	StreamStartCommand string
	StreamStopCommand  string

	// Parse turns a single frame into a reading
	Parse ParseFunc

	// Split separates a response into frames (defaults to SplitLines)
	Split func(response string) []string

	// ZeroAck validates the response to the zero command (optional)
	ZeroAck func(response string) error
}

// Frames splits a response into frames, using the profile's Split function, if any
func (p Profile) Frames(response string) []string {
	if p.Split != nil {
		return p.Split(response)
	}
	return SplitLines(response)
}

// SplitLines splits a response into non-empty, trimmed lines
func SplitLines(response string) []string {
	lines := strings.FieldsFunc(response, func(r rune) bool {
		return r == '\r' || r == '\n'
	})

	frames := lines[:0]
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			frames = append(frames, trimmed)
		}
	}

	return frames
}

var (
	registry = make(map[string]Profile)
	regLock  = sync.RWMutex{}
)

// Register makes a profile available by its (case insensitive) name
func Register(p Profile) {
	regLock.Lock()
	defer regLock.Unlock()

	registry[strings.ToLower(p.Name)] = p
}

// Lookup returns the profile registered for the given name
func Lookup(name string) (Profile, error) {
	regLock.RLock()
	defer regLock.RUnlock()

	p, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, fmt.Errorf("%w: unknown device profile `%s` (available: %s)", scale.ErrConfig, name, strings.Join(names(), ", "))
	}
	return p, nil
}

// Names returns the names of all registered profiles
func Names() []string {
	regLock.RLock()
	defer regLock.RUnlock()

	return names()
}

// names requires the registry lock to be held
func names() []string {
	res := make([]string, 0, len(registry))
	for _, p := range registry {
		res = append(res, p.Name)
	}
	sort.Strings(res)

	return res
}

func init() {
	Register(Generic)
	Register(SICS)
}
