// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raremeta

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/raremeta/raremeta/grouptest"
)

// runConfig is the optional TOML run file of the meta command.
// Command line flags override it.
//
//	prefix = "out/QT1"
//	group_file = "groups.txt"
//	regions = ["1:1-87"]
//	heterogeneity = true
//
//	[[study]]
//	name = "STUDY1"
//	score = "STUDY1.QT1.singlevar.score.txt.gz"
//	cov = "STUDY1.QT1.singlevar.cov.txt.gz"
//
//	[[test]]
//	kind = "skat"
//	b = 25.0
type runConfig struct {
	Prefix        string        `toml:"prefix"`
	Gzip          bool          `toml:"gzip"`
	Strict        bool          `toml:"strict"`
	AlleleFreq    bool          `toml:"allele_freq"`
	Heterogeneity bool          `toml:"heterogeneity"`
	MaxMAF        float64       `toml:"max_maf"`
	GroupFile     string        `toml:"group_file"`
	Regions       []string      `toml:"regions"`
	RegionFiles   []string      `toml:"region_files"`
	CovNpyDir     string        `toml:"cov_npy_dir"`
	Threads       int           `toml:"threads"`
	Studies       []studyConfig `toml:"study"`
	Tests         []testConfig  `toml:"test"`
}

type studyConfig struct {
	Name  string `toml:"name"`
	Score string `toml:"score"`
	Cov   string `toml:"cov"`
	Size  int    `toml:"size"`
}

type testConfig struct {
	Name string   `toml:"name"`
	Kind string   `toml:"kind"`
	A    *float64 `toml:"a"`
	B    *float64 `toml:"b"`
}

func defaultRunConfig() runConfig {
	return runConfig{
		Prefix:  "meta",
		MaxMAF:  grouptest.DefaultConfig().MaxMAF,
		Threads: 1,
	}
}

func loadRunConfig(fnm string, cfg *runConfig) error {
	md, err := toml.DecodeFile(fnm, cfg)
	if err != nil {
		return fmt.Errorf("%s: %w", fnm, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("%s: unknown keys: %s", fnm, strings.Join(keys, ", "))
	}
	return nil
}

// groupConfig converts the configured tests. With none configured,
// the default burden, SKAT and omnibus tests run.
func (cfg *runConfig) groupConfig() (grouptest.Config, error) {
	gc := grouptest.Config{MaxMAF: cfg.MaxMAF}
	if len(cfg.Tests) == 0 {
		gc.Tests = grouptest.DefaultConfig().Tests
		return gc, nil
	}
	seen := map[string]bool{}
	for _, tc := range cfg.Tests {
		kind, err := grouptest.ParseKind(tc.Kind)
		if err != nil {
			return gc, err
		}
		t := grouptest.DefaultTest(kind)
		if tc.Name != "" {
			t.Name = tc.Name
		}
		if tc.A != nil {
			t.A = *tc.A
		}
		if tc.B != nil {
			t.B = *tc.B
		}
		if seen[t.Name] {
			return gc, fmt.Errorf("duplicate test name %q", t.Name)
		}
		seen[t.Name] = true
		gc.Tests = append(gc.Tests, t)
	}
	return gc, nil
}
