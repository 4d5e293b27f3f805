// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package config is the only part of this module that knows the on-disk
// federation-configuration format; everything downstream of Load receives
// a plain gc.Federation, opaque to how it got there.
package config

import (
	"fmt"
	"os"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pelletier/go-toml/v2"

	"github.com/erigontech/multidbgc/gc"
	"github.com/erigontech/multidbgc/internal/mdbxstorage"
)

// Document is the parsed shape of a federation TOML file:
//
//	[databases.main]
//	path = "/var/lib/multidbgc/main"
//	xrefs = true
//
//	[databases.blobs]
//	path = "/var/lib/multidbgc/blobs"
//	xrefs = false
type Document struct {
	Databases map[string]DatabaseEntry `toml:"databases"`
}

// DatabaseEntry is one federation member's on-disk location and policy.
type DatabaseEntry struct {
	Path  string `toml:"path"`
	XRefs bool   `toml:"xrefs"`
}

// Parse decodes TOML bytes into a Document without opening any storage.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("config: parsing: %w", err)
	}
	if len(doc.Databases) == 0 {
		return Document{}, fmt.Errorf("config: no [databases.*] entries")
	}
	return doc, nil
}

// Load reads and parses path, then opens an mdbxstorage.Storage for every
// entry, returning the resulting federation.
func Load(path string) (gc.Federation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}

	fed := make(gc.Federation, len(doc.Databases))
	for name, entry := range doc.Databases {
		st, err := mdbxstorage.Open(name, entry.Path, entry.XRefs)
		if err != nil {
			return nil, fmt.Errorf("config: opening database %q at %s: %w", name, entry.Path, err)
		}
		fed[name] = st
	}
	return fed, nil
}

// Names returns doc's database names, sorted.
func (d Document) Names() []string {
	names := make([]string, 0, len(d.Databases))
	for n := range d.Databases {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CheckMatchingFederations returns a MismatchedFederationsError-wrapping
// error if primary and secondary don't name the same set of databases,
// per the GC CLI's two-config invocation. Set equality (not slice order)
// is what matters here, so the comparison goes through a real set type
// rather than a second sort-and-compare.
func CheckMatchingFederations(primary, secondary Document) error {
	p := mapset.NewThreadUnsafeSet(primary.Names()...)
	s := mapset.NewThreadUnsafeSet(secondary.Names()...)
	if !p.Equal(s) {
		return gc.NewMismatchedFederations(primary.Names(), secondary.Names())
	}
	return nil
}
