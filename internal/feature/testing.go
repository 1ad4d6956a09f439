package feature

import (
	"fmt"
	"testing"
)

// TestSetFlag sets a feature flag to value until the returned function is
// called. Registered flags of any phase can be set.
//
// Usage
// ```
// defer feature.TestSetFlag(t, feature.Flag, feature.BlockHashCheck, false)()
// ```
func TestSetFlag(t testing.TB, f *FlagSet, flag FlagName, value bool) func() {
	t.Helper()
	previous := f.Enabled(flag)

	set := func(on bool) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.enabled[flag]; !ok {
			panic(fmt.Sprintf("unknown feature flag %v", flag))
		}
		f.enabled[flag] = on
	}

	set(value)
	return func() {
		set(previous)
	}
}
