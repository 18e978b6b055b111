package buildinfo

// Set with -ldflags when building release binaries:
//
//	-X 'github.com/m3rciful/apptbot/core/buildinfo.Version=v0.3.0'
//	-X 'github.com/m3rciful/apptbot/core/buildinfo.Commit=1f2e3d4'
//	-X 'github.com/m3rciful/apptbot/core/buildinfo.Date=2026-10-01T09:00:00Z'
var (
	// Version is the release tag of the binary.
	Version = "dev"
	// Commit is the git commit the binary was built from.
	Commit = "local"
	// Date is the RFC3339 build timestamp.
	Date = ""
)

// Summary returns a short human readable build description.
func Summary() string {
	s := Version + "+" + Commit
	if Date != "" {
		s += " (" + Date + ")"
	}
	return s
}
