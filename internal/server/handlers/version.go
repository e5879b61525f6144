package handlers

import (
	"net/http"
	"runtime"
	"sync"
)

// VersionInfo is the build identity reported by /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

var (
	versionMu sync.RWMutex
	version   = VersionInfo{Version: "dev", Commit: "HEAD", BuildDate: "unknown"}
)

// SetVersionInfo records the build identity injected at link time.
func SetVersionInfo(v, commit, buildDate string) {
	versionMu.Lock()
	defer versionMu.Unlock()
	version = VersionInfo{Version: v, Commit: commit, BuildDate: buildDate}
}

// VersionHandler reports the build identity.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	versionMu.RLock()
	v := version
	versionMu.RUnlock()
	v.GoVersion = runtime.Version()

	writeJSON(w, http.StatusOK, v)
}
