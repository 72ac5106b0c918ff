package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/riboprof/coverage"
	"github.com/grailbio/riboprof/ribo"
	"v.io/x/lib/cmdline"
)

func newCmdBuild() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "build",
		Short:    "Build a ribo archive from transcriptome-aligned BAM files",
		ArgsName: "archive experiment=path.bam...",
		Long: `
Each experiment=path argument adds one experiment to the archive. All BAM files
must be aligned to the same transcriptome; its reference names become the
transcript names. Reads are counted at their 5' end, by read length.`,
	}
	opts := ribo.DefaultBuildOpts
	cmd.Flags.IntVar(&opts.MinLen, "min-len", opts.MinLen, "Shortest read length to store")
	cmd.Flags.IntVar(&opts.MaxLen, "max-len", opts.MaxLen, "Longest read length to store")
	cmd.Flags.IntVar(&opts.MinMapQ, "mapq", opts.MinMapQ, "Reads with MAPQ below this level are skipped")
	flagExclude := cmd.Flags.Int("flag-exclude", int(opts.FlagExclude), "Reads with a FLAG bit intersecting this value are skipped. Must include 0x10 (reverse strand).")
	cmd.Flags.StringVar(&opts.RegionsPath, "regions", "", `BED-like file with columns name, start, end, region.
Its CDS rows replace the CDS ranges parsed from the transcript names.`)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) < 2 {
			return fmt.Errorf("build takes an archive path and at least one experiment=path argument, but got %v", argv)
		}
		inputs, err := parseInputs(argv[1:])
		if err != nil {
			return err
		}
		opts.FlagExclude = sam.Flags(*flagExclude)
		return build(vcontext.Background(), argv[0], inputs, opts)
	})
	return cmd
}

func newCmdInfo() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "info",
		Short:    "Show the contents of a ribo archive",
		ArgsName: "archive",
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("info takes one archive path, but got %v", argv)
		}
		return info(vcontext.Background(), env.Stdout, argv[0])
	})
	return cmd
}

func newCmdOffsets() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "offsets",
		Short:    "Compute the P-site offset of each read length",
		ArgsName: "archive experiment",
		Long: `
The output is a TSV with columns length and offset. It can be passed back to
the coverage command with -offsets.`,
	}
	var opts offsetsOpts
	cmd.Flags.IntVar(&opts.minLen, "min-len", 0, "Shortest read length; 0 means the archive's")
	cmd.Flags.IntVar(&opts.maxLen, "max-len", 0, "Longest read length; 0 means the archive's")
	cmd.Flags.StringVar(&opts.out, "out", "", "Output TSV path; empty means stdout")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("offsets takes an archive path and an experiment, but got %v", argv)
		}
		return offsets(vcontext.Background(), env.Stdout, argv[0], argv[1], opts)
	})
	return cmd
}

func newCmdCoverage() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "coverage",
		Short:    "Compute P-site coverage profiles of one experiment",
		ArgsName: "[archive experiment]",
		Long: `
The result is written to <out>/coverage_<experiment>_<min>-<max>.<format>.
Transcripts whose coding region starts before the largest P-site offset, or
whose coverage could not be computed, are recorded as absent.

With -interactive, the archive, experiment and read length range are read
from stdin instead.`,
	}
	opts := defaultCoverageOpts
	cmd.Flags.IntVar(&opts.minLen, "min-len", opts.minLen, "Shortest read length; 0 means the archive's")
	cmd.Flags.IntVar(&opts.maxLen, "max-len", opts.maxLen, "Longest read length; 0 means the archive's")
	cmd.Flags.StringVar(&opts.offsetsPath, "offsets", "", "TSV of P-site offsets, as written by the offsets command. By default they are computed from the archive")
	cmd.Flags.StringVar(&opts.outDir, "out", opts.outDir, "Output directory")
	cmd.Flags.StringVar(&opts.format, "format", opts.format, "Output format; one of "+formatList())
	cmd.Flags.IntVar(&opts.parallelism, "parallelism", 0, "Number of transcript batches to compute in parallel; 0 = runtime.NumCPU()")
	interactive := cmd.Flags.Bool("interactive", false, "Prompt for the archive, experiment and read length range on stdin")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if *interactive {
			if len(argv) != 0 {
				return fmt.Errorf("coverage -interactive takes no arguments, but got %v", argv)
			}
			if err := prompt(env.Stdin, env.Stdout, &opts); err != nil {
				return err
			}
		} else {
			if len(argv) != 2 {
				return fmt.Errorf("coverage takes an archive path and an experiment, but got %v", argv)
			}
			opts.archivePath, opts.experiment = argv[0], argv[1]
		}
		_, err := runCoverage(vcontext.Background(), opts)
		return err
	})
	return cmd
}

func newCmdView() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "view",
		Short:    "Print a coverage result file as TSV",
		ArgsName: "path",
	}
	var opts viewOpts
	cmd.Flags.StringVar(&opts.transcripts, "transcripts", "", "Comma-separated list of transcripts to show. By default all are shown")
	cmd.Flags.BoolVar(&opts.headerOnly, "header", false, "Print only the run parameters")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("view takes one pathname argument, but got %v", argv)
		}
		return view(vcontext.Background(), env.Stdout, argv[0], opts)
	})
	return cmd
}

func formatList() string {
	names := make([]string, len(coverage.Formats))
	for i, f := range coverage.Formats {
		names[i] = fmt.Sprintf("'%s'", f)
	}
	return strings.Join(names, ", ")
}

func newCmdRoot() *cmdline.Command {
	return &cmdline.Command{
		Name:     "bio-ribo",
		Short:    "Tools for ribosome-profiling coverage",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdBuild(),
			newCmdInfo(),
			newCmdOffsets(),
			newCmdCoverage(),
			newCmdView(),
		},
	}
}

// Run parses the command line and runs the selected subcommand. It does not
// return.
func Run() {
	shutdown := grail.Init()
	cmdline.HideGlobalFlagsExcept()
	env := cmdline.EnvFromOS()
	err := cmdline.ParseAndRun(newCmdRoot(), env, os.Args[1:])
	log.Printf("finished")
	shutdown()
	os.Exit(cmdline.ExitCode(err, env.Stderr))
}
