package portal

import (
	"net"
	"net/http"
	"strings"
)

// Family groups connectivity checks that expect the same answer.
type Family string

const (
	FamilyNone           Family = ""
	FamilyAndroid        Family = "android"
	FamilyApple          Family = "apple"
	FamilyWindowsNCSI    Family = "windows-ncsi"
	FamilyWindowsConnect Family = "windows-connect"
	FamilyFirefox        Family = "firefox"
	FamilyNetworkManager Family = "networkmanager"
)

// Probe is the classification of one request.
type Probe struct {
	Family Family
	// ByHost is set when only the Host header matched a check domain.
	ByHost bool
}

// IsProbe reports whether the request is an OS connectivity check.
func (p Probe) IsProbe() bool { return p.Family != FamilyNone }

func (p Probe) label() string {
	if p.Family == FamilyNone {
		return "portal"
	}
	return string(p.Family)
}

var probePaths = map[string]Family{
	"/generate_204":              FamilyAndroid,
	"/gen_204":                   FamilyAndroid,
	"/hotspot-detect.html":       FamilyApple,
	"/library/test/success.html": FamilyApple,
	"/ncsi.txt":                  FamilyWindowsNCSI,
	"/connecttest.txt":           FamilyWindowsConnect,
	"/success.txt":               FamilyFirefox,
	"/canonical.html":            FamilyFirefox,
	"/check_network_status.txt":  FamilyNetworkManager,
}

var probeHosts = map[string]Family{
	"connectivitycheck.gstatic.com": FamilyAndroid,
	"connectivitycheck.android.com": FamilyAndroid,
	"clients1.google.com":           FamilyAndroid,
	"clients3.google.com":           FamilyAndroid,
	"connectivity-check.ubuntu.com": FamilyAndroid,
	"captive.apple.com":             FamilyApple,
	"www.msftncsi.com":              FamilyWindowsNCSI,
	"www.msftconnecttest.com":       FamilyWindowsConnect,
	"detectportal.firefox.com":      FamilyFirefox,
	"nmcheck.gnome.org":             FamilyNetworkManager,
}

// Classify sorts r into a probe family. Known paths win over hosts.
func Classify(r *http.Request) Probe {
	if f, ok := probePaths[strings.ToLower(r.URL.Path)]; ok {
		return Probe{Family: f}
	}
	if f, ok := probeHosts[hostOnly(r.Host)]; ok {
		return Probe{Family: f, ByHost: true}
	}
	return Probe{}
}

func hostOnly(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}

const appleSuccess = "<HTML><HEAD><TITLE>Success</TITLE></HEAD><BODY>Success</BODY></HTML>\n"

// writeOnline answers a probe with the body its OS expects when the
// internet is reachable.
func writeOnline(w http.ResponseWriter, f Family) {
	h := w.Header()
	h.Set("Cache-Control", "no-store")
	switch f {
	case FamilyAndroid:
		w.WriteHeader(http.StatusNoContent)
		return
	case FamilyApple:
		h.Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(appleSuccess))
		return
	}

	var body string
	switch f {
	case FamilyWindowsNCSI:
		body = "Microsoft NCSI"
	case FamilyWindowsConnect:
		body = "Microsoft Connect Test"
	case FamilyFirefox:
		body = "success\n"
	case FamilyNetworkManager:
		body = "NetworkManager is online\n"
	}
	h.Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
