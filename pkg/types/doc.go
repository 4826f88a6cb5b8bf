// Package types defines the core data model shared by all strata nodes:
// domains and ACLs, groups, datasets, committed datatypes, links,
// attributes, the DataType variant, and cluster membership records.
// Everything here is plain data; behavior lives with the node packages.
package types
