// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package archive

import (
	"fmt"
	"sort"
)

// FileInfo is one live file's listing entry, as of the view bounded by
// cfg.Until.
type FileInfo struct {
	Name  string
	Date  int64
	Size  int64
	Frags int
}

// List reports every live file in the archive at archivePath, bounded by
// cfg.Until, sorted by name.
func List(cfg Config, archivePath string) ([]FileInfo, error) {
	view, err := reconstructView(cfg, archivePath)
	if err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}

	out := make([]FileInfo, 0, len(view.Files))
	for name, dtv := range view.Files {
		if dtv.Date == 0 {
			continue // deleted as of this view
		}
		var size int64
		for _, id := range dtv.FragIDs {
			if loc, ok := view.Fragments[uint64(id)]; ok {
				size += int64(loc.USize)
			}
		}
		out = append(out, FileInfo{Name: name, Date: dtv.Date, Size: size, Frags: len(dtv.FragIDs)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Versions reports every transaction seen in the archive at archivePath, in
// the order they were written, bounded by cfg.Until.
func Versions(cfg Config, archivePath string) ([]VersionInfo, error) {
	view, err := reconstructView(cfg, archivePath)
	if err != nil {
		return nil, fmt.Errorf("archive: list versions: %w", err)
	}
	out := make([]VersionInfo, len(view.Versions))
	for i, v := range view.Versions {
		out[i] = VersionInfo{Date: v.Date, Complete: v.Complete}
	}
	return out, nil
}

// VersionInfo is one transaction's summary.
type VersionInfo struct {
	Date     int64
	Complete bool
}
