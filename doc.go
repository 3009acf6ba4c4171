// Package distrocache implements the snapshot-resolution cache for a
// robotics package distribution.
//
// Given a distribution name and a version-control reference, the engine in
// the sibling "engine" package materializes a canonical description of
// every source package contained in the repositories that distribution
// pins, and hands back an immutable [Set]. This package holds the value
// types shared by every other package in the module: [Package],
// [Repository], [Set], and the [Error] domain type.
package distrocache
