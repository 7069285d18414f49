// Cthulhu is a fleet of agents that provision network switches over serial.
// Copyright (C) 2025 Cthulhu contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package statemachine

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed builtin/*.toml
var builtinFS embed.FS

// BuiltinFS holds the declaration fragments compiled into the binary. Angel
// merges it via LoadFS before its own config-named declaration files, so an
// operator file redeclaring a builtin state overrides it.
var BuiltinFS fs.FS = builtinFS

// LoadFS merges every ".toml" file under fsys, in lexical path order, the
// way MergeTOML merges a single named file: later states win over earlier
// same-named ones. Used to load BuiltinFS before operator-selected files.
func (b *Builder) LoadFS(fsys fs.FS) error {
	var paths []string
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && fileHasTOMLExt(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("statemachine: walk builtin fs: %w", err)
	}
	sort.Strings(paths)
	for _, p := range paths {
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("statemachine: read builtin file %s: %w", p, err)
		}
		if err := b.MergeTOML(p, data); err != nil {
			return err
		}
	}
	return nil
}

func fileHasTOMLExt(path string) bool {
	return len(path) > 5 && path[len(path)-5:] == ".toml"
}
