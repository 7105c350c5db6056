package serial

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"go.bug.st/serial/enumerator"
)

// ListPorts returns a best-effort list of available serial port device
// names, sorted and de-duplicated. It is what AutoDetect probes instead of
// brute-forcing COM1..COM64.
func ListPorts() []string {
	// The cross-platform enumerator is accurate when it works at all.
	if ports, err := enumerator.GetDetailedPortsList(); err == nil && len(ports) > 0 {
		out := make([]string, 0, len(ports))
		seen := make(map[string]struct{}, len(ports))
		for _, p := range ports {
			if p == nil || p.Name == "" {
				continue
			}
			if _, ok := seen[p.Name]; ok {
				continue
			}
			seen[p.Name] = struct{}{}
			out = append(out, p.Name)
		}
		sort.Strings(out)
		return out
	}

	// Fallbacks when the enumerator returns nothing.
	switch runtime.GOOS {
	case "windows":
		// Windows enumeration is sometimes empty; nothing sensible to glob.
		return nil
	case "darwin":
		// Prefer "cu" devices for outgoing connections; keep "tty" as well.
		return listByGlob("/dev/cu.*", "/dev/tty.*")
	default:
		return listByGlob("/dev/ttyUSB*", "/dev/ttyACM*", "/dev/tty.*")
	}
}

// listByGlob expands filesystem glob patterns into a stable, de-duplicated
// list.
func listByGlob(patterns ...string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, 16)
	for _, pat := range patterns {
		matches, _ := filepath.Glob(pat)
		for _, m := range matches {
			if m == "" {
				continue
			}
			// Skip entries that vanished since the glob.
			if _, err := os.Stat(m); err != nil {
				continue
			}
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}
