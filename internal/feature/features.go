// Package feature implements feature flags. Flags are registered once and
// can be switched through a comma separated list such as
// "block-hash-check=false,persistent-resume".
package feature

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/cryptdrive/drivedl/internal/errors"
)

type state string
type FlagName string

const (
	// Alpha features are disabled by default. They may change or disappear between releases.
	Alpha state = "alpha"
	// Beta features are enabled by default. They may still change, but incompatible changes should be avoided.
	Beta state = "beta"
	// Stable features are always enabled
	Stable state = "stable"
	// Deprecated features are always disabled
	Deprecated state = "deprecated"
)

func (s state) enabledByDefault() bool {
	switch s {
	case Alpha, Deprecated:
		return false
	case Beta, Stable:
		return true
	}
	panic(fmt.Sprintf("unknown feature phase %q", string(s)))
}

// switchable reports whether the value of a flag in this phase can change.
func (s state) switchable() bool {
	return s == Alpha || s == Beta
}

type FlagDesc struct {
	Type        state
	Description string
}

// FlagSet holds the registered flags and their values. It is safe for
// concurrent use.
type FlagSet struct {
	mu      sync.RWMutex
	flags   map[FlagName]FlagDesc
	enabled map[FlagName]bool
}

func New() *FlagSet {
	return &FlagSet{}
}

// SetFlags replaces the registered flags. All flags start with the default
// value of their phase.
func (f *FlagSet) SetFlags(flags map[FlagName]FlagDesc) {
	registered := make(map[FlagName]FlagDesc, len(flags))
	enabled := make(map[FlagName]bool, len(flags))
	for name, desc := range flags {
		registered[name] = desc
		enabled[name] = desc.Type.enabledByDefault()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags = registered
	f.enabled = enabled
}

func parseSelection(flags string) (map[FlagName]bool, error) {
	selection := make(map[FlagName]bool)

	for _, item := range strings.Split(flags, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		name, value, found := strings.Cut(item, "=")
		if !found {
			value = "true"
		}
		on, err := strconv.ParseBool(value)
		if err != nil {
			return nil, errors.Errorf("failed to parse value %q for feature flag %v: %v", value, name, err)
		}
		selection[FlagName(name)] = on
	}

	return selection, nil
}

// Apply parses a comma separated list of flag assignments such as
// "block-hash-check=false,persistent-resume" and updates the flag set.
// Nothing is changed if the list is invalid. Assignments to stable or
// deprecated flags have no effect and are reported via logWarning.
func (f *FlagSet) Apply(flags string, logWarning func(string)) error {
	selection, err := parseSelection(flags)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for name := range selection {
		if _, ok := f.flags[name]; !ok {
			return errors.Errorf("unknown feature flag %q", name)
		}
	}

	for _, name := range slices.Sorted(maps.Keys(selection)) {
		phase := f.flags[name].Type
		if phase.switchable() {
			f.enabled[name] = selection[name]
			continue
		}

		verb := "enabled"
		if !phase.enabledByDefault() {
			verb = "disabled"
		}
		logWarning(fmt.Sprintf("feature flag %q is always %v and will be removed in a future release", name, verb))
	}

	return nil
}

// Enabled reports the current value of the flag. It panics for flags that
// were never registered.
func (f *FlagSet) Enabled(name FlagName) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	on, ok := f.enabled[name]
	if !ok {
		panic(fmt.Sprintf("unknown feature flag %v", name))
	}
	return on
}

// Help contains information about a feature.
type Help struct {
	Name        string
	Type        string
	Default     bool
	Description string
}

// List returns the registered flags sorted by name.
func (f *FlagSet) List() []Help {
	f.mu.RLock()
	defer f.mu.RUnlock()

	help := make([]Help, 0, len(f.flags))
	for _, name := range slices.Sorted(maps.Keys(f.flags)) {
		desc := f.flags[name]
		help = append(help, Help{
			Name:        string(name),
			Type:        string(desc.Type),
			Default:     desc.Type.enabledByDefault(),
			Description: desc.Description,
		})
	}
	return help
}
