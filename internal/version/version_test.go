package version

import (
	"strings"
	"testing"
)

func TestVersion_DefaultValues(t *testing.T) {
	if Version == "" {
		t.Error("Version should have a default value")
	}
	// GitCommit and BuildDate are optional.
	_ = GitCommit
	_ = BuildDate
}

func TestInterpreter(t *testing.T) {
	if got := Interpreter(); got != "1.0" {
		t.Fatalf("Interpreter() = %q, want 1.0", got)
	}
}

func TestString(t *testing.T) {
	origVersion, origGitCommit, origBuildDate := Version, GitCommit, BuildDate
	t.Cleanup(func() {
		Version, GitCommit, BuildDate = origVersion, origGitCommit, origBuildDate
	})

	tests := []struct {
		name      string
		commit    string
		date      string
		want      []string
		wantLines int
	}{
		{"bare", "", "", []string{"ebcvm 1.2.3 (interpreter 1.0)"}, 1},
		{"commit", "abc123", "", []string{"commit: abc123"}, 2},
		{"full", "abc123", "2024-01-15T10:30:00Z", []string{"commit: abc123", "built:  2024-01-15T10:30:00Z"}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Version, GitCommit, BuildDate = "1.2.3", tt.commit, tt.date
			got := String()
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("String() = %q, missing %q", got, w)
				}
			}
			if n := strings.Count(got, "\n") + 1; n != tt.wantLines {
				t.Errorf("String() has %d lines, want %d", n, tt.wantLines)
			}
		})
	}
}

// BenchmarkVersionAccess benchmarks accessing version variables
func BenchmarkVersionAccess(b *testing.B) {
	b.Run("String", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = String()
		}
	})
}
