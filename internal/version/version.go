// Package version holds build information set through -ldflags, e.g.
//
//	-X github.com/jangala-dev/uartx-dispatch/internal/version.versionString=1.2.0
package version

import "fmt"

var (
	defaultVersionString = "0.0.0-git"
	versionString        = ""
	commit               = ""
	date                 = ""
	// VersionInfo describes the running binary.
	VersionInfo *Info
)

type Info struct {
	Application   string `json:"application"`
	VersionString string `json:"version"`
	Commit        string `json:"commit"`
	Date          string `json:"date"`
}

func newInfo(application string) *Info {
	return &Info{
		Application:   application,
		VersionString: versionString,
		Commit:        commit,
		Date:          date,
	}
}

func (i *Info) String() string {
	return fmt.Sprintf("%s Version: %s Commit: %s Date: %s", i.Application, i.VersionString, i.Commit, i.Date)
}

// Data returns the value printed in JSON output.
func (i *Info) Data() interface{} {
	return i
}

func init() {
	if versionString == "" {
		versionString = defaultVersionString
	}
	VersionInfo = newInfo("uartx")
}
