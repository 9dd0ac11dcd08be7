package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const appDirName = "voxscribe"

// Layout is the on-disk layout of a voxscribe installation.
type Layout struct {
	Root   string
	Blobs  string // badger object store
	Work   string // per-run scratch directories
	Models string // local whisper models
}

func NormalizeArch(arch string) string {
	switch arch {
	case "x86_64":
		return "amd64"
	case "aarch64":
		return "arm64"
	default:
		return arch
	}
}

func LayoutFor(root string) Layout {
	root = filepath.Clean(root)
	return Layout{
		Root:   root,
		Blobs:  filepath.Join(root, "blobs"),
		Work:   filepath.Join(root, "work"),
		Models: filepath.Join(root, "models"),
	}
}

// Ensure creates every directory of the layout.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.Root, l.Blobs, l.Work, l.Models} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

func DefaultDataDirFor(goos, homeDir, xdgDataHome string) (string, error) {
	if homeDir == "" {
		return "", errors.New("home directory is empty")
	}

	switch goos {
	case "linux":
		if xdgDataHome != "" {
			return filepath.Join(xdgDataHome, appDirName), nil
		}
		return filepath.Join(homeDir, ".local", "share", appDirName), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", appDirName), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
}

// ResolveLayout returns the layout rooted at override, or at the per-user data
// directory when override is empty.
func ResolveLayout(override string) (Layout, error) {
	if override != "" {
		return LayoutFor(override), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return Layout{}, fmt.Errorf("resolve user home: %w", err)
	}

	root, err := DefaultDataDirFor(runtime.GOOS, homeDir, os.Getenv("XDG_DATA_HOME"))
	if err != nil {
		return Layout{}, err
	}
	return LayoutFor(root), nil
}
