package debug_test

import (
	"testing"

	"github.com/cryptdrive/drivedl/internal/debug"
	"github.com/cryptdrive/drivedl/internal/drive"
)

func BenchmarkLogStatic(b *testing.B) {
	for i := 0; i < b.N; i++ {
		debug.Log("Static string")
	}
}

func BenchmarkLogRevisionStr(b *testing.B) {
	ref := drive.RevisionRef{VolumeID: "vol", NodeID: "node", RevisionID: "rev"}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		debug.Log("revision: %v", ref)
	}
}
