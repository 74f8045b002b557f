package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/modelbox-go/driverkit/config"
	"github.com/modelbox-go/driverkit/registry"
	"github.com/modelbox-go/driverkit/subproc"
)

type scanFlags struct {
	dirs            []string
	skipDefaultPath bool
	scanInfoPath    string
	ldCachePath     string
	inProcess       bool
	verbose         bool
}

// NewRootCommand builds the driverscan command tree.
func NewRootCommand() *cobra.Command {
	flags := &scanFlags{}

	rootCmd := &cobra.Command{
		Use:   "driverscan",
		Short: "Scan modelbox driver directories and print the registry",
		Long: `driverscan discovers driver shared objects under the configured search
directories, persists the scan manifest, and prints the resulting driver
registry. The first-load pass runs in a child process unless --in-process
is set.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd, flags)
		},
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	rootCmd.Flags().StringSliceVar(&flags.dirs, "dir", nil, "driver search directory (repeatable)")
	rootCmd.Flags().BoolVar(&flags.skipDefaultPath, "skip-default-path", false, "do not search the built-in driver directory")
	rootCmd.Flags().StringVar(&flags.scanInfoPath, "scan-info", registry.DefaultScanInfoPath, "path of the persisted scan manifest")
	rootCmd.Flags().StringVar(&flags.ldCachePath, "ld-cache", registry.DefaultLDCachePath, "path of the dynamic linker cache")
	rootCmd.Flags().BoolVar(&flags.inProcess, "in-process", false, "run the first-load pass in this process instead of a child")
	rootCmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")

	return rootCmd
}

func runScan(cmd *cobra.Command, flags *scanFlags) error {
	if flags.verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	var runner subproc.Runner = subproc.ReExec{Args: os.Args[1:]}
	if flags.inProcess {
		runner = subproc.InProcess{}
	}

	reg := registry.New(
		registry.WithPaths(registry.Paths{
			ScanInfo:  flags.scanInfoPath,
			LDCache:   flags.ldCachePath,
			DriverDir: registry.DefaultDriverDir,
		}),
		registry.WithRunner(runner),
	)

	cfg := &config.Map{
		Strings: map[string][]string{config.KeyDriverDir: flags.dirs},
		Bools:   map[string]bool{config.KeySkipDefaultPath: flags.skipDefaultPath},
	}
	if st := reg.Initialize(cfg); !st.OK() {
		return st
	}

	// The scan child only performs the first-load pass; the parent reads
	// the manifest it leaves behind.
	if subproc.IsChild() {
		if st := reg.InnerScan(); !st.OK() {
			return st
		}
		return nil
	}

	if st := reg.Scan(cmd.Context()); !st.OK() {
		return st
	}

	printRegistry(cmd, reg)
	return nil
}

func printRegistry(cmd *cobra.Command, reg *registry.Registry) {
	summary, st := reg.ScanSummary()
	if st.OK() {
		cmd.Printf("scan: %d loaded, %d failed\n", len(summary.LoadSuccess), len(summary.LoadFailed))
		failed := make([]string, 0, len(summary.LoadFailed))
		for file := range summary.LoadFailed {
			failed = append(failed, file)
		}
		sort.Strings(failed)
		for _, file := range failed {
			cmd.Printf("  failed: %s: %s\n", file, summary.LoadFailed[file])
		}
	}

	drivers := reg.GetAllDriverList()
	cmd.Printf("registry: %d drivers\n", len(drivers))
	for _, d := range drivers {
		desc := d.Descriptor()
		version := desc.Version()
		if version == "" {
			version = "unversioned"
		}
		tag := ""
		if d.IsVirtual() {
			tag = " (virtual)"
		}
		cmd.Println(fmt.Sprintf("  %s/%s/%s %s%s %s",
			desc.Class(), desc.Type(), desc.Name(), version, tag, desc.FilePath()))
	}
}
