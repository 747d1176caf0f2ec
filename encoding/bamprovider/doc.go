// Package bamprovider provides per-reference access to an indexed BAM file.
//
// A Provider hands out Iterators, one reference sequence at a time. Every
// Iterator reads through its own file handle, so iterators can be used from
// different goroutines at the same time without sharing reader state. The
// header and the BAM index are loaded once per provider and shared by all of
// its iterators; the index is only read after loading.
package bamprovider
