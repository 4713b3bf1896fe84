// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raremeta

import (
	"bytes"
	"errors"
	"io"
	"io/ioutil"
	"strings"
	"sync/atomic"

	"github.com/raremeta/raremeta/grouptest"
	"github.com/raremeta/raremeta/variant"
	"gopkg.in/check.v1"
)

type inputSuite struct{}

var _ = check.Suite(&inputSuite{})

const scoreHeader = "##ProgramName=RareMetalWorker\n" +
	"#CHROM\tPOS\tREF\tALT\tN_INFORMATIVE\tFOUNDER_AF\tALL_AF\tU_STAT\tSQRT_V_STAT\tPVALUE\n"

func (s *inputSuite) TestScoreReader(c *check.C) {
	input := scoreHeader +
		"1\t100\tA\tG\t500\t0.1\t0.12\t1.5\t2\t0.4\n" +
		"1\t101\tA\tC\t500\t0.1\t0.1\tNA\t2\t0.4\n" +
		"1\t102\tC\tT\t480\t0.1\t0.2\t-3\t1.5\t0.1\textra\n" +
		"1\t103\tG\tT\t510\t0.1\tNA\t0.5\t1\n"
	sr, err := newScoreReader(ioutil.NopCloser(strings.NewReader(input)), "test", false)
	c.Assert(err, check.IsNil)
	var got []string
	for {
		rec, err := sr.Next()
		if err == io.EOF {
			break
		}
		c.Assert(err, check.IsNil)
		got = append(got, rec.Variant.String())
		switch rec.Position {
		case 100:
			c.Check(rec.N, check.Equals, 500)
			c.Check(rec.U, check.Equals, 1.5)
			c.Check(rec.V, check.Equals, 4.0)
			c.Check(rec.AltAF, check.Equals, 0.12)
		case 102:
			c.Check(rec.V, check.Equals, 2.25)
		case 103:
			c.Check(rec.AltAF, check.Equals, 0.0)
		}
	}
	c.Check(got, check.DeepEquals, []string{"1:100:A:G", "1:102:C:T", "1:103:G:T"})
	c.Check(sr.Uninformative, check.Equals, 1)
	c.Check(sr.Shifted, check.Equals, 2)
	c.Check(sr.MaxN, check.Equals, 510)
	c.Check(sr.Close(), check.IsNil)
}

func (s *inputSuite) TestScoreReaderShiftedColumns(c *check.C) {
	// empty ALT field dropped by a whitespace-separated writer
	input := "#CHROM POS REF ALT U_STAT SQRT_V_STAT N_INFORMATIVE AF PVALUE\n" +
		"9 494428375 G 432 1.25 0.5 432 0.1\n"
	sr, err := newScoreReader(ioutil.NopCloser(strings.NewReader(input)), "test", false)
	c.Assert(err, check.IsNil)
	rec, err := sr.Next()
	c.Assert(err, check.IsNil)
	c.Check(rec.Variant.String(), check.Equals, "9:494428375:G:432")
	c.Check(sr.Shifted, check.Equals, 1)

	sr, err = newScoreReader(ioutil.NopCloser(strings.NewReader(input)), "test", true)
	c.Assert(err, check.IsNil)
	_, err = sr.Next()
	c.Check(err, check.ErrorMatches, `test line 2: 8 fields, header has 9`)
}

func (s *inputSuite) TestScoreReaderEmptyTabField(c *check.C) {
	input := "#CHROM\tPOS\tREF\tALT\tN_INFORMATIVE\tU_STAT\tSQRT_V_STAT\tAF\tPVALUE\n" +
		"9\t494428375\tG\t\t432\t300\t1.25\t0.5\t0.1\n"
	sr, err := newScoreReader(ioutil.NopCloser(strings.NewReader(input)), "test", false)
	c.Assert(err, check.IsNil)
	rec, err := sr.Next()
	c.Assert(err, check.IsNil)
	c.Check(rec.Variant.String(), check.Equals, "9:494428375:G:432")
	c.Check(rec.Alt, check.Equals, "432")
	c.Check(rec.N, check.Equals, 300)
	c.Check(rec.U, check.Equals, 1.25)
	c.Check(rec.V, check.Equals, 0.25)
	c.Check(sr.Shifted, check.Equals, 1)

	sr, err = newScoreReader(ioutil.NopCloser(strings.NewReader(input)), "test", true)
	c.Assert(err, check.IsNil)
	_, err = sr.Next()
	c.Check(err, check.ErrorMatches, `test line 2: 8 fields, header has 9`)
}

func (s *inputSuite) TestScoreReaderErrors(c *check.C) {
	_, err := newScoreReader(ioutil.NopCloser(strings.NewReader("1\t2\tA\tG\n")), "test", false)
	c.Check(err, check.ErrorMatches, `test line 1: data before header line`)
	_, err = newScoreReader(ioutil.NopCloser(strings.NewReader("##only metadata\n")), "test", false)
	c.Check(err, check.ErrorMatches, `test: no header line`)
	_, err = newScoreReader(ioutil.NopCloser(strings.NewReader("#CHROM\tPOS\tREF\tALT\n")), "test", false)
	c.Check(err, check.ErrorMatches, `test: header has no N_INFORMATIVE/N column`)

	sr, err := newScoreReader(ioutil.NopCloser(strings.NewReader(scoreHeader+"1\tx\tA\tG\t500\t0.1\t0.1\t1\t1\t1\n")), "test", false)
	c.Assert(err, check.IsNil)
	_, err = sr.Next()
	c.Check(err, check.ErrorMatches, `test line 3: POS: .*`)
}

func (s *inputSuite) TestCovReader(c *check.C) {
	input := "##ProgramName=RareMetalWorker\n" +
		"#CHROM\tCURRENT_POS\tMARKERS_IN_WINDOW\tCOV_MATRICES\n" +
		"1\t100\t100,101,\t8,2,\n" +
		"1\t101\t101\t4\n" +
		"1\t102\t102,103\t0.5\n"
	cr, err := newCovReader(ioutil.NopCloser(strings.NewReader(input)), "test", 0.5, false)
	c.Assert(err, check.IsNil)
	blk, err := cr.Next()
	c.Assert(err, check.IsNil)
	c.Check(blk.Chrom, check.Equals, "1")
	c.Check(blk.Position, check.Equals, 100)
	c.Check(blk.Markers, check.DeepEquals, []int{100, 101})
	c.Check(blk.Cov, check.DeepEquals, []float64{4, 1})
	blk, err = cr.Next()
	c.Assert(err, check.IsNil)
	c.Check(blk.Markers, check.DeepEquals, []int{101})
	c.Check(blk.Cov, check.DeepEquals, []float64{2})
	_, err = cr.Next()
	c.Check(err, check.ErrorMatches, `test line 5: 2 markers but 1 covariances`)
}

func (s *inputSuite) TestSplitList(c *check.C) {
	c.Check(splitList("1,2,3,"), check.DeepEquals, []string{"1", "2", "3"})
	c.Check(splitList(" 4 "), check.DeepEquals, []string{"4"})
	c.Check(splitList(""), check.HasLen, 0)
}

func (s *inputSuite) TestReadGroups(c *check.C) {
	input := "# comment\n" +
		"GENE1\t1:100:A:G 1:101:A:C\n" +
		"\n" +
		"GENE2 2:5_C/T\n" +
		"EMPTY\n"
	masks, err := readGroups(strings.NewReader(input), "groups")
	c.Assert(err, check.IsNil)
	c.Assert(masks, check.HasLen, 3)
	c.Check(masks[0].Name, check.Equals, "GENE1")
	c.Check(masks[0].Variants, check.DeepEquals, []variant.Variant{
		{Chrom: "1", Position: 100, Ref: "A", Alt: "G"},
		{Chrom: "1", Position: 101, Ref: "A", Alt: "C"},
	})
	c.Check(masks[1].Variants, check.DeepEquals, []variant.Variant{{Chrom: "2", Position: 5, Ref: "C", Alt: "T"}})
	c.Check(masks[2].Variants, check.HasLen, 0)

	_, err = readGroups(strings.NewReader("GENE1 1:100:A:G\nGENE2 bogus\n"), "groups")
	c.Check(err, check.ErrorMatches, `groups line 2: group GENE2: .*`)
}

func (s *inputSuite) TestRegionSet(c *check.C) {
	rs := &regionSet{}
	rs.Add(variant.Region{Chrom: "1", Start: 1200, End: 3400})
	rs.Add(variant.Region{Chrom: "1", Start: 5600, End: 7800})
	rs.Add(variant.Region{Chrom: "1", Start: 5300, End: 7900})
	rs.Add(variant.Region{Chrom: "1", Start: 9900, End: 9900})
	rs.Add(variant.Region{Chrom: "1", Start: 1, End: 1})
	rs.Add(variant.Region{Chrom: "2", Start: 10, End: 20})
	rs.Freeze()
	c.Check(rs.Len(), check.Equals, 6)
	for _, trial := range []struct {
		chrom  string
		pos    int
		expect bool
	}{
		{"1", 1, true},
		{"1", 2, false},
		{"1", 1199, false},
		{"1", 1200, true},
		{"1", 3400, true},
		{"1", 3401, false},
		{"1", 7900, true},
		{"1", 7901, false},
		{"1", 9900, true},
		{"2", 15, true},
		{"2", 1200, false},
		{"X", 1, false},
	} {
		c.Check(rs.Check(trial.chrom, trial.pos), check.Equals, trial.expect, check.Commentf("%+v", trial))
	}

	var none *regionSet
	c.Check(none.Check("1", 12345), check.Equals, true)
}

func (s *inputSuite) TestLoadRegions(c *check.C) {
	rs, err := loadRegions(nil, nil)
	c.Check(err, check.IsNil)
	c.Check(rs, check.IsNil)

	tmpdir := c.MkDir()
	err = ioutil.WriteFile(tmpdir+"/r.bed", []byte("track name=test\n# comment\n2\t99\t200\textra\n"), 0644)
	c.Assert(err, check.IsNil)
	rs, err = loadRegions([]string{"1:10-20"}, []string{tmpdir + "/r.bed"})
	c.Assert(err, check.IsNil)
	c.Check(rs.Len(), check.Equals, 2)
	c.Check(rs.Check("1", 10), check.Equals, true)
	c.Check(rs.Check("1", 21), check.Equals, false)
	c.Check(rs.Check("2", 99), check.Equals, false)
	c.Check(rs.Check("2", 100), check.Equals, true)
	c.Check(rs.Check("2", 200), check.Equals, true)
	c.Check(rs.Check("2", 201), check.Equals, false)

	err = ioutil.WriteFile(tmpdir+"/bad.bed", []byte("2\t99\n"), 0644)
	c.Assert(err, check.IsNil)
	_, err = loadRegions(nil, []string{tmpdir + "/bad.bed"})
	c.Check(err, check.ErrorMatches, `.*bad.bed line 1: expected at least 3 fields, got 2`)
}

func (s *inputSuite) TestRunConfig(c *check.C) {
	tmpdir := c.MkDir()
	err := ioutil.WriteFile(tmpdir+"/run.toml", []byte(`prefix = "out/QT1"
max_maf = 0.01
allele_freq = true

[[study]]
name = "S1"
score = "s1.score.txt"
size = 1200

[[test]]
kind = "skat"
name = "skat25"
b = 25.0

[[test]]
kind = "burden"
a = 0.5
`), 0644)
	c.Assert(err, check.IsNil)
	cfg := defaultRunConfig()
	c.Assert(loadRunConfig(tmpdir+"/run.toml", &cfg), check.IsNil)
	c.Check(cfg.Prefix, check.Equals, "out/QT1")
	c.Check(cfg.MaxMAF, check.Equals, 0.01)
	c.Check(cfg.AlleleFreq, check.Equals, true)
	c.Check(cfg.Threads, check.Equals, 1)
	c.Check(cfg.Studies, check.DeepEquals, []studyConfig{{Name: "S1", Score: "s1.score.txt", Size: 1200}})

	gc, err := cfg.groupConfig()
	c.Assert(err, check.IsNil)
	c.Check(gc.MaxMAF, check.Equals, 0.01)
	c.Check(gc.Tests, check.DeepEquals, []grouptest.Test{
		{Name: "skat25", Kind: grouptest.VarianceComponent, A: 1, B: 25},
		{Name: "burden", Kind: grouptest.Burden, A: 0.5, B: 1},
	})

	cfg.Tests = []testConfig{{Kind: "burden"}, {Kind: "burden"}}
	_, err = cfg.groupConfig()
	c.Check(err, check.ErrorMatches, `duplicate test name "burden"`)
	cfg.Tests = []testConfig{{Kind: "wsbt"}}
	_, err = cfg.groupConfig()
	c.Check(err, check.ErrorMatches, `unknown group test "wsbt"`)
	cfg.Tests = nil
	gc, err = cfg.groupConfig()
	c.Assert(err, check.IsNil)
	c.Check(gc.Tests, check.DeepEquals, grouptest.DefaultConfig().Tests)
}

func (s *inputSuite) TestSetStudies(c *check.C) {
	cfg := defaultRunConfig()
	c.Check(cfg.setStudies([]string{"a/s1.txt", "b/s2.txt"}, []string{"a/c1.txt"}, nil), check.ErrorMatches, `1 covariance files for 2 score files`)
	c.Check(cfg.setStudies([]string{"a/s1.txt", "b/s2.txt"}, nil, []string{"X"}), check.ErrorMatches, `1 study names for 2 score files`)
	c.Assert(cfg.setStudies([]string{"a/s1.txt", "b/s2.txt"}, []string{"a/c1.txt", "b/c2.txt"}, nil), check.IsNil)
	c.Check(cfg.Studies, check.DeepEquals, []studyConfig{
		{Name: "s1.txt", Score: "a/s1.txt", Cov: "a/c1.txt"},
		{Name: "s2.txt", Score: "b/s2.txt", Cov: "b/c2.txt"},
	})
}

func (s *inputSuite) TestThrottle(c *check.C) {
	var running, peak int32
	th := &throttle{Max: 3}
	for i := 0; i < 20; i++ {
		th.Go(func() error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			atomic.AddInt32(&running, -1)
			return nil
		})
	}
	c.Check(th.Wait(), check.IsNil)
	c.Check(atomic.LoadInt32(&peak) <= 3, check.Equals, true)

	th = &throttle{Max: 2}
	th.Go(func() error { return errors.New("first") })
	c.Check(th.Wait(), check.ErrorMatches, `first`)
	ran := false
	th.Go(func() error { ran = true; return nil })
	c.Check(th.Wait(), check.ErrorMatches, `first`)
	c.Check(ran, check.Equals, false)
}

func (s *inputSuite) TestThreadsSameOutput(c *check.C) {
	tmpdir := c.MkDir()
	scores, covs := writeFixtures(c, tmpdir)
	read := func(threads string) []byte {
		var stderr bytes.Buffer
		exited := (&metaCommand{}).RunCommand("meta", []string{
			"-local=true",
			"-score", strings.Join(scores, ","),
			"-cov", strings.Join(covs, ","),
			"-group", tmpdir + "/groups.txt",
			"-threads", threads,
			"-prefix", tmpdir + "/t" + threads,
		}, &bytes.Buffer{}, &stderr, &stderr)
		c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
		var all []byte
		for _, suffix := range []string{"singlevar", "burden", "SKAT", "omnibus"} {
			buf, err := ioutil.ReadFile(tmpdir + "/t" + threads + ".meta." + suffix + ".results")
			c.Assert(err, check.IsNil)
			all = append(all, buf...)
		}
		return all
	}
	c.Check(string(read("1")), check.Equals, string(read("4")))
}

func (s *inputSuite) TestSplitPositional(c *check.C) {
	c.Check(splitPositional(""), check.HasLen, 0)
	c.Check(splitPositional("a,,b"), check.DeepEquals, []string{"a", "", "b"})
	c.Check(splitPositional("a, -"), check.DeepEquals, []string{"a", ""})
	c.Check(splitPositional("a,"), check.DeepEquals, []string{"a", ""})
}

func (s *inputSuite) TestRemoteArgsPartialCovariance(c *check.C) {
	cmd := &metaCommand{cfg: defaultRunConfig()}
	cmd.cfg.Studies = []studyConfig{
		{Name: "S1", Score: "/keep/zzzzz-4zz18-aaaaaaaaaaaaaaa/s1.score.txt", Cov: "/keep/zzzzz-4zz18-aaaaaaaaaaaaaaa/s1.cov.txt"},
		{Name: "S2", Score: "/keep/zzzzz-4zz18-bbbbbbbbbbbbbbb/s2.score.txt"},
	}
	args, err := cmd.remoteArgs(&arvadosContainerRunner{})
	c.Assert(err, check.IsNil)
	flagValue := func(name string) string {
		for i, arg := range args {
			if arg == name && i+1 < len(args) {
				return args[i+1]
			}
		}
		c.Fatalf("no %s in %q", name, args)
		return ""
	}
	c.Check(flagValue("-cov"), check.Equals, "/mnt/zzzzz-4zz18-aaaaaaaaaaaaaaa/s1.cov.txt,-")

	var remote runConfig
	err = remote.setStudies(splitArg(flagValue("-score")), splitPositional(flagValue("-cov")), splitArg(flagValue("-study-names")))
	c.Assert(err, check.IsNil)
	c.Check(remote.Studies, check.DeepEquals, []studyConfig{
		{Name: "S1", Score: "/mnt/zzzzz-4zz18-aaaaaaaaaaaaaaa/s1.score.txt", Cov: "/mnt/zzzzz-4zz18-aaaaaaaaaaaaaaa/s1.cov.txt"},
		{Name: "S2", Score: "/mnt/zzzzz-4zz18-bbbbbbbbbbbbbbb/s2.score.txt"},
	})
}
