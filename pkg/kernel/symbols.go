// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// KallsymsPath is where the kernel lists its symbols.
const KallsymsPath = "/proc/kallsyms"

// Symbols is the set of text symbols a kprobe can attach to.
type Symbols map[string]struct{}

// LoadSymbols reads the kernel's text symbols from KallsymsPath.
func LoadSymbols() (Symbols, error) {
	f, err := os.Open(KallsymsPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", KallsymsPath, err)
	}
	defer f.Close()

	return ParseSymbols(f)
}

// ParseSymbols parses kallsyms formatted input ("addr type name [module]"),
// keeping function symbols only.
func ParseSymbols(r io.Reader) (Symbols, error) {
	syms := make(Symbols)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		switch fields[1] {
		case "t", "T", "w", "W":
			syms[fields[2]] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading kernel symbols: %w", err)
	}
	return syms, nil
}

// Has reports whether name is a known function symbol.
func (s Symbols) Has(name string) bool {
	_, ok := s[name]
	return ok
}

