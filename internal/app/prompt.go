package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/tandem/internal/config"
)

// PromptInteractive walks through the settings a listener usually changes
// and returns the edited config. Invalid answers keep the previous config.
func PromptInteractive(r io.Reader, w io.Writer, dir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)
	orig := cfg

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "tandem interactive setup")
	fmt.Fprintf(w, " Instance folder : %s\n", dir)
	fmt.Fprintf(w, " Config file     : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	cfg.Identity.Label = askString(in, w, "Label", cfg.Identity.Label)
	cfg.Server.Endpoint = askString(in, w, "Sync server", cfg.Server.Endpoint)
	cfg.Sources.LibraryDir = askString(in, w, "Music folder", cfg.Sources.LibraryDir)
	cfg.Sources.DownloadDir = askString(in, w, "Download folder (empty=off)", cfg.Sources.DownloadDir)
	cfg.Sources.Discovery = askList(in, w, "Discovery sources", cfg.Sources.Discovery)
	cfg.Sources.Download = askList(in, w, "Download sources", cfg.Sources.Download)
	cfg.Sources.P2PSendingForbidden = !askBool(in, w, "Share tracks with other listeners", !cfg.Sources.P2PSendingForbidden)
	cfg.P2P.ListenPort = askInt(in, w, "P2P listen port (0=random)", cfg.P2P.ListenPort)
	cfg.Player.Enabled = askBool(in, w, "Play audio", cfg.Player.Enabled)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping previous settings.\n", err)
		return orig
	}
	return cfg
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askList(in *bufio.Reader, w io.Writer, label string, def []string) []string {
	s := askString(in, w, label+" (comma separated)", strings.Join(def, ","))
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
