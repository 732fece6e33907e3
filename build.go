//go:build ignore

/*
	Builds bin/btlaunch, baking the target device into the binary so the
	launcher works without a config file. Usage:

	  BTLAUNCH_DEVICE=C8:84:47:03:F6:5C BTLAUNCH_LAUNCH=org.gnome.Lollypop go run build.go
*/

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const pkg = "github.com/hoppxi/btlaunch/internal/manager"

func ldflags() string {
	defaults := []struct{ env, name string }{
		{"BTLAUNCH_DEVICE", "DefaultDeviceAddress"},
		{"BTLAUNCH_DEVICE_NAME", "DefaultDeviceName"},
		{"BTLAUNCH_LAUNCH", "DefaultLaunchTarget"},
	}

	var flags []string
	for _, d := range defaults {
		if val := os.Getenv(d.env); val != "" {
			flags = append(flags, fmt.Sprintf("-X '%s.%s=%s'", pkg, d.name, val))
		}
	}
	if version := os.Getenv("VERSION"); version != "" {
		flags = append(flags, fmt.Sprintf("-X 'github.com/hoppxi/btlaunch/internal/cmd.Version=%s'", version))
	}
	return strings.Join(flags, " ")
}

func main() {
	root, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Couldn't get working dir:", err)
		os.Exit(1)
	}

	outPath := filepath.Join(root, "bin", "btlaunch")
	fmt.Printf("Building btlaunch -> %s\n", outPath)

	cmd := exec.Command("go", "build", "-ldflags", ldflags(), "-o", outPath, ".")
	cmd.Dir = root
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	if err := cmd.Run(); err != nil {
		fmt.Printf("Build failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Built %s\n", outPath)
}
