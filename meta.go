// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raremeta

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"path"
	"strconv"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/raremeta/raremeta/grouptest"
	"github.com/raremeta/raremeta/pool"
	log "github.com/sirupsen/logrus"
)

type metaCommand struct {
	cfg runConfig
}

func splitArg(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// splitPositional splits a comma-separated list, keeping empty
// entries so each one stays aligned with its study. "-" also means
// empty.
func splitPositional(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	out := strings.Split(s, ",")
	for i, part := range out {
		if part = strings.TrimSpace(part); part == "-" {
			part = ""
		}
		out[i] = part
	}
	return out
}

func (cmd *metaCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	configFile := flags.String("config", "", "TOML run `file` (flags override its settings)")
	scoreFiles := flags.String("score", "", "comma-separated score `files`, one per study")
	covFiles := flags.String("cov", "", "comma-separated covariance `files`, in the same order as -score")
	studyNames := flags.String("study-names", "", "comma-separated study `names` (default: score file names)")
	groupFile := flags.String("group", "", "group `file`")
	prefix := flags.String("prefix", "meta", "output `prefix`")
	gz := flags.Bool("gzip", false, "gzip output files")
	regions := flags.String("region", "", "comma-separated `regions` (chr:start-end) to analyze")
	regionFiles := flags.String("region-file", "", "comma-separated BED `files` of regions to analyze")
	strict := flags.Bool("strict", false, "reject input rows whose field count differs from the header")
	alleleFreq := flags.Bool("allele-freq", false, "report per-study allele frequency summary")
	heterogeneity := flags.Bool("heterogeneity", false, "report heterogeneity statistics")
	maxMAF := flags.Float64("max-maf", 0.05, "maximum pooled minor allele `frequency` for group tests")
	tests := flags.String("tests", "", "comma-separated group `tests` (burden, MB, SKAT, omnibus)")
	covNpyDir := flags.String("cov-npy", "", "write each group's covariance matrix as .npy in `dir`")
	threads := flags.Int("threads", 1, "number of studies to read concurrently")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() > 0 {
		err = fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	cmd.cfg = defaultRunConfig()
	if *configFile != "" {
		err = loadRunConfig(*configFile, &cmd.cfg)
		if err != nil {
			return 2
		}
	}
	cfg := &cmd.cfg
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "prefix":
			cfg.Prefix = *prefix
		case "gzip":
			cfg.Gzip = *gz
		case "group":
			cfg.GroupFile = *groupFile
		case "region":
			cfg.Regions = splitArg(*regions)
		case "region-file":
			cfg.RegionFiles = splitArg(*regionFiles)
		case "strict":
			cfg.Strict = *strict
		case "allele-freq":
			cfg.AlleleFreq = *alleleFreq
		case "heterogeneity":
			cfg.Heterogeneity = *heterogeneity
		case "max-maf":
			cfg.MaxMAF = *maxMAF
		case "cov-npy":
			cfg.CovNpyDir = *covNpyDir
		case "threads":
			cfg.Threads = *threads
		case "tests":
			cfg.Tests = nil
			for _, kind := range splitArg(*tests) {
				cfg.Tests = append(cfg.Tests, testConfig{Kind: kind})
			}
		}
	})
	if *scoreFiles != "" {
		err = cfg.setStudies(splitArg(*scoreFiles), splitPositional(*covFiles), splitArg(*studyNames))
		if err != nil {
			return 2
		}
	}
	if len(cfg.Studies) == 0 {
		err = errors.New("no studies given (use -score or a -config file)")
		return 2
	}

	if !*runlocal {
		runner := arvadosContainerRunner{
			Name:        "raremeta meta",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         16000000000,
			VCPUs:       cfg.Threads,
			Priority:    *priority,
			KeepCache:   2,
		}
		var output string
		output, err = cmd.runRemote(&runner)
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output)
		return 0
	}

	err = cmd.run()
	if err != nil {
		return 1
	}
	return 0
}

// setStudies replaces the configured studies with the given files.
func (cfg *runConfig) setStudies(scores, covs, names []string) error {
	if len(covs) > 0 && len(covs) != len(scores) {
		return fmt.Errorf("%d covariance files for %d score files", len(covs), len(scores))
	}
	if len(names) > 0 && len(names) != len(scores) {
		return fmt.Errorf("%d study names for %d score files", len(names), len(scores))
	}
	cfg.Studies = nil
	for i, fnm := range scores {
		st := studyConfig{Score: fnm, Name: path.Base(fnm)}
		if len(covs) > 0 {
			st.Cov = covs[i]
		}
		if len(names) > 0 {
			st.Name = names[i]
		}
		cfg.Studies = append(cfg.Studies, st)
	}
	return nil
}

// runRemote runs the same analysis in an arvados container, passing
// the merged configuration as flags.
func (cmd *metaCommand) runRemote(runner *arvadosContainerRunner) (string, error) {
	args, err := cmd.remoteArgs(runner)
	if err != nil {
		return "", err
	}
	runner.Args = args
	return runner.Run()
}

// remoteArgs translates input paths to container mounts and returns
// the equivalent "meta -local=true" command line.
func (cmd *metaCommand) remoteArgs(runner *arvadosContainerRunner) ([]string, error) {
	cfg := cmd.cfg
	var scores, covs, names, sizes []string
	for _, st := range cfg.Studies {
		score, cov := st.Score, st.Cov
		if err := runner.TranslatePaths(&score, &cov); err != nil {
			return nil, err
		}
		scores = append(scores, score)
		covs = append(covs, cov)
		names = append(names, st.Name)
		sizes = append(sizes, strconv.Itoa(st.Size))
	}
	groupFile := cfg.GroupFile
	if err := runner.TranslatePaths(&groupFile); err != nil {
		return nil, err
	}
	regionFiles := append([]string(nil), cfg.RegionFiles...)
	for i := range regionFiles {
		if err := runner.TranslatePaths(&regionFiles[i]); err != nil {
			return nil, err
		}
	}
	var tests []string
	for _, t := range cfg.Tests {
		tests = append(tests, t.Kind)
	}
	if len(cfg.Tests) > 0 {
		for _, t := range cfg.Tests {
			if t.Name != "" || t.A != nil || t.B != nil {
				return nil, errors.New("cannot pass named or parameterized tests to a container; use -local")
			}
		}
	}
	for _, size := range sizes {
		if size != "0" {
			return nil, errors.New("cannot pass configured study sizes to a container; use -local")
		}
	}
	args := []string{"meta", "-local=true",
		"-score", strings.Join(scores, ","),
		"-study-names", strings.Join(names, ","),
		"-prefix", "/mnt/output/" + path.Base(cfg.Prefix),
		"-gzip=" + strconv.FormatBool(cfg.Gzip),
		"-strict=" + strconv.FormatBool(cfg.Strict),
		"-allele-freq=" + strconv.FormatBool(cfg.AlleleFreq),
		"-heterogeneity=" + strconv.FormatBool(cfg.Heterogeneity),
		"-max-maf=" + strconv.FormatFloat(cfg.MaxMAF, 'g', -1, 64),
		"-threads=" + strconv.Itoa(cfg.Threads),
	}
	if strings.Join(covs, "") != "" {
		for i, cov := range covs {
			if cov == "" {
				covs[i] = "-"
			}
		}
		args = append(args, "-cov", strings.Join(covs, ","))
	}
	if groupFile != "" {
		args = append(args, "-group", groupFile)
	}
	if len(cfg.Regions) > 0 {
		args = append(args, "-region", strings.Join(cfg.Regions, ","))
	}
	if len(regionFiles) > 0 {
		args = append(args, "-region-file", strings.Join(regionFiles, ","))
	}
	if len(tests) > 0 {
		args = append(args, "-tests", strings.Join(tests, ","))
	}
	if cfg.CovNpyDir != "" {
		args = append(args, "-cov-npy", "/mnt/output")
	}
	return args, nil
}

func (cmd *metaCommand) run() error {
	cfg := &cmd.cfg
	regions, err := loadRegions(cfg.Regions, cfg.RegionFiles)
	if err != nil {
		return err
	}
	groupCfg, err := cfg.groupConfig()
	if err != nil {
		return err
	}
	var masks []grouptest.Mask
	if cfg.GroupFile != "" {
		masks, err = readGroupFile(cfg.GroupFile)
		if err != nil {
			return err
		}
		log.Infof("read %d groups from %s", len(masks), cfg.GroupFile)
	} else {
		groupCfg.Tests = nil
	}

	o := &orchestrator{
		Regions: regions,
		Masks:   masks,
		Groups:  groupCfg,
		Options: pool.Options{AlleleFreq: cfg.AlleleFreq, Heterogeneity: cfg.Heterogeneity},
		Threads: cfg.Threads,
	}
	studies := make([]pool.Study, len(cfg.Studies))
	for i, st := range cfg.Studies {
		st := st
		if st.Name == "" {
			st.Name = path.Base(st.Score)
		}
		studies[i] = pool.Study{Name: st.Name, Size: st.Size}
		src := studySource{
			Name: st.Name,
			Size: st.Size,
			OpenScores: func() (scoreStream, error) {
				return openScoreFile(st.Score, cfg.Strict)
			},
		}
		if st.Cov != "" {
			src.OpenCovariance = func(n int) (covStream, error) {
				return openCovFile(st.Cov, float64(n), cfg.Strict)
			}
		}
		o.Studies = append(o.Studies, src)
	}

	rw, err := newResultWriter(cfg.Prefix, cfg.Gzip, studies, o.Options, groupCfg.Tests)
	if err != nil {
		return err
	}
	defer rw.Close()
	if cfg.CovNpyDir != "" {
		rw.covDump = &covDumper{dir: cfg.CovNpyDir}
	}
	_, sum, err := o.Run(rw)
	if err != nil {
		return err
	}
	if rw.Omitted > 0 {
		log.Warnf("omitted %d of %d single-variant results", rw.Omitted, sum.Variants)
	}
	return rw.Close()
}
