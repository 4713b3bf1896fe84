// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raremeta

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/raremeta/raremeta/grouptest"
	"github.com/raremeta/raremeta/variant"
)

// readGroupFile reads a group file: one group per line, the group
// name followed by whitespace-separated variant identifiers. Blank
// lines and lines starting with "#" are ignored.
func readGroupFile(fnm string) ([]grouptest.Mask, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readGroups(f, fnm)
}

func readGroups(r io.Reader, name string) ([]grouptest.Mask, error) {
	var masks []grouptest.Mask
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<26)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		mask := grouptest.Mask{Name: fields[0]}
		for _, id := range fields[1:] {
			v, err := variant.Parse(id)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: group %s: %w", name, lineNum, mask.Name, err)
			}
			mask.Variants = append(mask.Variants, v)
		}
		masks = append(masks, mask)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return masks, nil
}
