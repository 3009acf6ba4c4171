// Package discover walks a checked-out repository tree and identifies the
// colcon/ROS packages it contains (spec §4.4), the Go analogue of
// colcon-core's package_identification and package_augmentation extension
// points. Only package.xml-based identification is implemented, classifying
// each package as ament_cmake, ament_python or unknown from the build files
// beside its manifest; a plain cmake type is never reported, and other
// colcon-core identification extensions (python setup.py
// outside a ROS tree, pure CMake without REP 140 metadata) are out of scope
// (spec Non-goals).
package discover

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/quay/zlog"

	"github.com/colcon-tools/distrocache"
)

// Discoverer identifies packages within a directory tree.
type Discoverer interface {
	Discover(ctx context.Context, repoDir string) ([]*distrocache.Package, error)
}

// Default is the package discoverer used by the engine: it walks repoDir
// looking for package.xml files and classifies each by the build files
// found alongside it.
type Default struct{}

// Discover implements [Discoverer].
func (Default) Discover(ctx context.Context, repoDir string) ([]*distrocache.Package, error) {
	var found []string
	err := filepath.Walk(repoDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if shouldSkipDir(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Name() == "package.xml" {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrInternal, Op: "discover.Default.Discover", Inner: err}
	}

	var pkgs []*distrocache.Package
	for _, manifestPath := range found {
		pkg, err := parseManifestFile(manifestPath)
		if err != nil {
			zlog.Warn(ctx).Err(err).Str("manifest", manifestPath).Msg("skipping unparseable package manifest")
			continue
		}
		rel, err := filepath.Rel(repoDir, filepath.Dir(manifestPath))
		if err != nil {
			return nil, &distrocache.Error{Kind: distrocache.ErrInternal, Op: "discover.Default.Discover", Inner: err}
		}
		pkg.Path = rel
		pkg.Type = classifyBuildType(filepath.Dir(manifestPath))
		pkgs = append(pkgs, pkg)
	}

	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
	return pkgs, nil
}

// shouldSkipDir reports whether dir is a directory that never contains
// package manifests worth discovering and whose descent would otherwise
// waste a lot of walk time (build output, VCS metadata, install trees).
func shouldSkipDir(name string) bool {
	switch name {
	case ".git", "build", "install", "log", "node_modules", ".colcon":
		return true
	default:
		return false
	}
}

// classifyBuildType inspects the files next to a package.xml to decide the
// colcon package type, mirroring the priority colcon-core's "ros"
// identification extension uses: ament_cmake/catkin if CMakeLists.txt is
// present, ament_python if setup.py/pyproject.toml is present instead,
// otherwise a generic package with no build system colcon can drive.
func classifyBuildType(dir string) string {
	hasCMake := fileExists(filepath.Join(dir, "CMakeLists.txt"))
	hasSetupPy := fileExists(filepath.Join(dir, "setup.py"))
	hasPyproject := fileExists(filepath.Join(dir, "pyproject.toml"))
	switch {
	case hasCMake:
		return "ament_cmake"
	case hasSetupPy || hasPyproject:
		return "ament_python"
	default:
		return "unknown"
	}
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
