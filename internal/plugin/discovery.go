package plugin

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/actiond/internal/log"
)

// Discover scans the components directory for manifest.yaml files and
// validates each component. Invalid components are logged and skipped;
// duplicate names keep the first discovered. A missing directory is not
// an error, it just yields nothing.
func Discover(componentsDir string) ([]*External, error) {
	if strings.TrimSpace(componentsDir) == "" {
		return nil, nil
	}
	root, err := filepath.Abs(componentsDir)
	if err != nil {
		return nil, fmt.Errorf("plugin: resolve components dir %q: %w", componentsDir, err)
	}
	info, err := os.Stat(root)
	if os.IsNotExist(err) {
		log.Warn("components directory does not exist", "dir", root)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("plugin: stat components dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("plugin: components dir is not a directory: %s", root)
	}

	var found []*External
	seen := make(map[string]*External)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != manifestFilename {
			return nil
		}

		dir := filepath.Dir(path)
		ext, err := load(dir, root)
		if err != nil {
			log.Warn("skipping invalid component", "path", dir, "error", err)
			return nil
		}
		if existing, dup := seen[ext.Name]; dup {
			log.Warn("duplicate component ignored, keeping first discovered",
				"component", ext.Name, "ignored", ext.Path, "kept", existing.Path)
			return nil
		}
		seen[ext.Name] = ext
		found = append(found, ext)
		log.Info("discovered external component",
			"component", ext.Name, "version", ext.Version, "path", ext.Path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("plugin: scan components dir %s: %w", root, err)
	}
	return found, nil
}

// load reads and validates one component directory.
func load(dir, root string) (*External, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := validateManifest(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	entrypoint := filepath.Join(dir, m.Entrypoint)
	if err := validateTrust(entrypoint, dir, root); err != nil {
		return nil, err
	}

	section := m.Section
	if section == "" {
		section = m.Name
	}
	return &External{
		Name:        m.Name,
		Path:        dir,
		Entrypoint:  entrypoint,
		Version:     m.Version,
		Description: m.Description,
		Queue:       m.Queue,
		Inbound:     m.Inbound,
		LowCode:     m.LowCode,
		Events:      m.Events,
		Section:     section,
		ConfigKeys:  m.ConfigKeys,
		Timeout:     m.TimeoutSeconds,
	}, nil
}

// validateTrust refuses entrypoints that escape the components tree, are
// not executable, or sit in a world-writable directory.
func validateTrust(entrypoint, dir, root string) error {
	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypoint)
	if err != nil {
		return fmt.Errorf("resolve entrypoint: %w", err)
	}
	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fmt.Errorf("resolve component dir: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("resolve components root: %w", err)
	}

	if !strings.HasPrefix(resolvedEntrypoint, resolvedRoot+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is outside the components directory", resolvedEntrypoint)
	}
	if !strings.HasPrefix(resolvedEntrypoint, resolvedDir+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is outside its component directory", resolvedEntrypoint)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	dirInfo, err := os.Stat(resolvedDir)
	if err != nil {
		return fmt.Errorf("component directory not found: %w", err)
	}
	if dirInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("component directory is world-writable: %s", resolvedDir)
	}
	return nil
}
