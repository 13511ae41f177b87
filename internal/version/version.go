// Package version renders the build version line shown by the relay CLI.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// String assembles the version line from ldflags-injected values, filling
// gaps from module build info. Placeholder values ("unknown", "(devel)")
// count as unset and are never printed.
func String(version, commit, date string) string {
	v := clean(version, "dev", "(devel)")
	c := clean(commit, "unknown")
	d := clean(date, "unknown")

	if info, ok := debug.ReadBuildInfo(); ok {
		if v == "" {
			v = clean(info.Main.Version, "(devel)")
		}
		if c == "" {
			c = setting(info, "vcs.revision")
		}
		if d == "" {
			d = setting(info, "vcs.time")
		}
	}

	if v == "" {
		v = "dev"
	}
	switch {
	case c != "" && d != "":
		return fmt.Sprintf("%s (%s) %s", v, c, d)
	case c != "":
		return fmt.Sprintf("%s (%s)", v, c)
	case d != "":
		return v + " " + d
	}
	return v
}

// clean trims a value and blanks it when it equals a placeholder.
func clean(v string, placeholders ...string) string {
	v = strings.TrimSpace(v)
	for _, p := range placeholders {
		if v == p {
			return ""
		}
	}
	return v
}

func setting(info *debug.BuildInfo, key string) string {
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}
