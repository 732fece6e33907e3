package manager

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
)

// field codes of the Exec key; none of them apply to a bare launch
var placeholderRe = regexp.MustCompile(`%[%fFuUdDnNickvm]`)

// Launcher opens a launch target, either a desktop entry id such as
// "org.gnome.Lollypop" or an executable on PATH.
type Launcher struct {
	dirs     []string
	lookPath func(string) (string, error)
	start    func(*exec.Cmd) error
}

func NewLauncher() *Launcher {
	return &Launcher{
		dirs:     applicationDirs(),
		lookPath: exec.LookPath,
		start:    startDetached,
	}
}

func (l *Launcher) Launch(target string) error {
	argv, err := l.resolve(target)
	if err != nil {
		return err
	}
	if err := l.start(NewCmd(argv[0], argv[1:]...)); err != nil {
		return fmt.Errorf("start %s: %w", argv[0], err)
	}
	return nil
}

// resolve turns target into an argv, preferring a desktop entry.
func (l *Launcher) resolve(target string) ([]string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, fmt.Errorf("empty launch target")
	}

	id := strings.TrimSuffix(target, ".desktop")
	if path, ok := l.findDesktopEntry(id); ok {
		entry := parseDesktopFile(path)
		argv := execArgv(entry["Exec"])
		if len(argv) == 0 {
			return nil, fmt.Errorf("desktop entry %s has no Exec line", path)
		}
		log.Debug().Str("entry", path).Strs("argv", argv).Msg("launcher: using desktop entry")
		return argv, nil
	}

	argv := shellSplit(target)
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty launch target")
	}
	bin, err := l.lookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("no desktop entry or executable named %q", target)
	}
	argv[0] = bin
	return argv, nil
}

func (l *Launcher) findDesktopEntry(id string) (string, bool) {
	for _, dir := range l.dirs {
		p := filepath.Join(dir, id+".desktop")
		if exists(p) {
			return p, true
		}
	}
	return "", false
}

// applicationDirs lists applications/ directories in XDG lookup order.
func applicationDirs() []string {
	var parts []string
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		parts = append(parts, dataHome)
	} else if home, err := os.UserHomeDir(); err == nil {
		parts = append(parts, filepath.Join(home, ".local", "share"))
	}

	xdg := os.Getenv("XDG_DATA_DIRS")
	if xdg == "" {
		xdg = "/usr/local/share:/usr/share"
	}
	parts = append(parts, strings.Split(xdg, ":")...)

	if home, err := os.UserHomeDir(); err == nil {
		parts = append(parts, filepath.Join(home, ".nix-profile", "share"))
	}
	parts = append(parts, "/run/current-system/sw/share")

	seen := map[string]bool{}
	var dirs []string
	for _, p := range parts {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		dirs = append(dirs, filepath.Join(p, "applications"))
	}
	return dirs
}

func parseDesktopFile(path string) map[string]string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	out := map[string]string{}
	in := false
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "[Desktop Entry]" {
			in = true
			continue
		}
		if strings.HasPrefix(line, "[") {
			in = false
			continue
		}
		if !in {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	return out
}

func execArgv(execLine string) []string {
	execLine = placeholderRe.ReplaceAllStringFunc(execLine, func(code string) string {
		if code == "%%" {
			return "%"
		}
		return ""
	})
	return shellSplit(strings.TrimSpace(execLine))
}

func shellSplit(s string) []string {
	var out []string
	cur := ""
	inq := rune(0)
	esc := false
	for _, r := range s {
		switch {
		case esc:
			cur += string(r)
			esc = false
		case r == '\\':
			esc = true
		case r == '\'' || r == '"':
			if inq == 0 {
				inq = r
			} else if inq == r {
				inq = 0
			} else {
				cur += string(r)
			}
		case (r == ' ' || r == '\t') && inq == 0:
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
		default:
			cur += string(r)
		}
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// NewCmd builds a command in its own process group so it outlives us.
func NewCmd(command string, args ...string) *exec.Cmd {
	cmd := exec.Command(command, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

func startDetached(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	log.Info().Int("pid", cmd.Process.Pid).Str("cmd", cmd.Path).Msg("launcher: started")
	return cmd.Process.Release()
}
