package discover

import (
	"encoding/xml"
	"os"

	"github.com/colcon-tools/distrocache"
)

// packageManifest mirrors the subset of REP 140 / REP 149 package.xml
// elements colcon-distro's augmentation needs. format 1 run_depend elements
// are folded into the same run bucket as format 2/3 exec_depend, and a
// format 2/3 depend element is added to the build, run and test buckets, so
// callers don't need to know which manifest format a given package uses.
type packageManifest struct {
	Name string `xml:"name"`

	Depend      []string `xml:"depend"`
	BuildDepend []string `xml:"build_depend"`
	RunDepend   []string `xml:"run_depend"`
	ExecDepend  []string `xml:"exec_depend"`
	TestDepend  []string `xml:"test_depend"`

	BuildtoolDepend []string `xml:"buildtool_depend"`
}

func parseManifestFile(path string) (*distrocache.Package, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrInternal, Op: "discover.parseManifestFile", Inner: err}
	}
	return parseManifest(b)
}

func parseManifest(b []byte) (*distrocache.Package, error) {
	var m packageManifest
	if err := xml.Unmarshal(b, &m); err != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrModel, Op: "discover.parseManifest", Message: "invalid package.xml", Inner: err}
	}
	if m.Name == "" {
		return nil, &distrocache.Error{Kind: distrocache.ErrModel, Op: "discover.parseManifest", Message: "package.xml missing name element"}
	}

	pkg := distrocache.NewPackage(m.Name, "", "unknown")
	addAll := func(kind distrocache.DependencyKind, names []string) {
		for _, n := range names {
			pkg.AddDependency(kind, n)
		}
	}
	// REP 140's "depend" shorthand expands to all three kinds; buildtool
	// dependencies are needed at build time only.
	addAll(distrocache.DependBuild, m.Depend)
	addAll(distrocache.DependRun, m.Depend)
	addAll(distrocache.DependTest, m.Depend)
	addAll(distrocache.DependBuild, m.BuildDepend)
	addAll(distrocache.DependBuild, m.BuildtoolDepend)
	addAll(distrocache.DependRun, m.RunDepend)
	addAll(distrocache.DependRun, m.ExecDepend)
	addAll(distrocache.DependTest, m.TestDepend)

	return pkg, nil
}
