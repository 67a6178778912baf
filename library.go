package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/Tutortoise/record-detector/config"
)

// libraryName is the onnxruntime shared library file name for this OS.
func libraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

// libraryCandidates lists where the runtime library is looked up when no
// path is configured: ./lib, lib next to the executable, then system dirs.
func libraryCandidates() []string {
	name := libraryName()
	candidates := []string{filepath.Join("lib", name)}

	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "lib", name))
	}
	if runtime.GOOS != "windows" {
		candidates = append(candidates,
			filepath.Join("/usr/local/lib", name),
			filepath.Join("/usr/lib", name),
		)
	}
	return candidates
}

// resolveLibrary returns the runtime library to load. A configured path must
// exist; otherwise the first existing candidate wins.
func resolveLibrary(configured string) (string, error) {
	if configured != "" {
		if err := checkLibrary(configured); err != nil {
			return "", err
		}
		return configured, nil
	}

	for _, candidate := range libraryCandidates() {
		if checkLibrary(candidate) == nil {
			return filepath.Abs(candidate)
		}
	}
	return "", fmt.Errorf("%s not found; set %s or runtime_library", libraryName(), config.EnvRuntimeLib)
}

func checkLibrary(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("runtime library not found: %s", path)
	}
	if err != nil {
		return fmt.Errorf("stat runtime library: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("runtime library is a directory: %s", path)
	}
	return nil
}
