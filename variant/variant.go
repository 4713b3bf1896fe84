// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package variant

import (
	"fmt"
	"strconv"
	"strings"
)

// Variant is a biallelic site: a 1-based position on a chromosome and
// its reference and alternate alleles as reported by one source.
type Variant struct {
	Chrom    string
	Position int
	Ref      string
	Alt      string
}

// String returns the chr:pos:ref:alt identifier used in group files.
func (v Variant) String() string {
	return fmt.Sprintf("%s:%d:%s:%s", v.Chrom, v.Position, v.Ref, v.Alt)
}

// Site returns the chr:pos part of the identifier.
func (v Variant) Site() string {
	return fmt.Sprintf("%s:%d", v.Chrom, v.Position)
}

// Flip returns v with ref and alt exchanged.
func (v Variant) Flip() Variant {
	v.Ref, v.Alt = v.Alt, v.Ref
	return v
}

// Key returns the orientation-free identity of v: the same site with
// the two alleles in lexicographic order. Two reports of the same
// variant with swapped alleles have equal keys.
func (v Variant) Key() Variant {
	if v.Alt < v.Ref {
		return v.Flip()
	}
	return v
}

// Swapped reports whether v's orientation is the reverse of
// v.Key()'s.
func (v Variant) Swapped() bool {
	return v.Alt < v.Ref
}

// Parse accepts "chr:pos:ref:alt" and "chr:pos_ref/alt".
func Parse(s string) (Variant, error) {
	var chrom, pos, ref, alt string
	if f := strings.Split(s, ":"); len(f) == 4 {
		chrom, pos, ref, alt = f[0], f[1], f[2], f[3]
	} else if len(f) == 2 {
		chrom = f[0]
		us := strings.IndexByte(f[1], '_')
		sl := strings.IndexByte(f[1], '/')
		if us < 0 || sl < us {
			return Variant{}, fmt.Errorf("cannot parse variant %q", s)
		}
		pos, ref, alt = f[1][:us], f[1][us+1:sl], f[1][sl+1:]
	} else {
		return Variant{}, fmt.Errorf("cannot parse variant %q", s)
	}
	p, err := strconv.Atoi(pos)
	if err != nil {
		return Variant{}, fmt.Errorf("cannot parse variant %q: bad position: %w", s, err)
	}
	if chrom == "" || ref == "" || alt == "" {
		return Variant{}, fmt.Errorf("cannot parse variant %q: empty field", s)
	}
	return Variant{Chrom: chrom, Position: p, Ref: ref, Alt: alt}, nil
}

// chromRank orders chromosome names "1".."22", "X", "Y", "M"/"MT",
// ignoring a "chr" prefix; anything else sorts after, by name.
func chromRank(chrom string) (int, string) {
	name := strings.TrimPrefix(chrom, "chr")
	if n, err := strconv.Atoi(name); err == nil && n > 0 {
		return n, ""
	}
	switch name {
	case "X":
		return 1001, ""
	case "Y":
		return 1002, ""
	case "M", "MT":
		return 1003, ""
	}
	return 2000, name
}

// ChromLess reports whether chromosome a sorts before b in natural
// genomic order (1 < 2 < 10 < X < Y < MT).
func ChromLess(a, b string) bool {
	ra, na := chromRank(a)
	rb, nb := chromRank(b)
	if ra != rb {
		return ra < rb
	}
	return na < nb
}

// Less orders variants by chromosome, position, then alleles.
func Less(a, b Variant) bool {
	if a.Chrom != b.Chrom {
		return ChromLess(a.Chrom, b.Chrom)
	}
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	if a.Ref != b.Ref {
		return a.Ref < b.Ref
	}
	return a.Alt < b.Alt
}
