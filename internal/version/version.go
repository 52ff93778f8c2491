package version

import (
	"fmt"
	"log"
)

var (
	Name        = "streamrouter"
	Authors     = "olla-mesh contributors"
	Description = "TCP/TLS stream router for service mesh data planes"
	Version     = "v0.0.1"
	Commit      = "none"
	Date        = "nowish"
	User        = "local"
)

const (
	GithubHomeText  = "github.com/olla-mesh/streamrouter"
	GithubHomeUri   = "https://github.com/olla-mesh/streamrouter"
	GithubLatestUri = "https://github.com/olla-mesh/streamrouter/releases/latest"
)

func PrintVersionInfo(extendedInfo bool, vlog *log.Logger) {
	vlog.Printf("%s %s — %s\n%s\n", Name, Version, Description, GithubHomeUri)

	if extendedInfo {
		vlog.Printf("  Commit: %s\n", Commit)
		vlog.Printf("   Built: %s\n", Date)
		vlog.Printf("   Using: %s\n", User)
	}
}

func String() string {
	return fmt.Sprintf("%s %s (%s)", Name, Version, Commit)
}
