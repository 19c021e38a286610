package handlers

import (
	"encoding/json"
	"net/http"
)

// build identifies the running binary. Stamped through SetBuildInfo
// from the ldflags values in main; the defaults mark unstamped dev
// builds.
var build = VersionResponse{
	Version: "dev",
	Commit:  "none",
	Date:    "unknown",
}

// SetBuildInfo records the linker-injected build identifiers.
func SetBuildInfo(version, commit, date string) {
	build = VersionResponse{Version: version, Commit: commit, Date: date}
}

// VersionResponse is the /api/version payload.
type VersionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// GetVersion reports which build is serving.
func GetVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(build)
}
