package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/hpcwms/espilot/pilot-app/config"
)

var (
	version = "dev"

	cfgFile    string
	recoverRun bool

	rootCmd = &cobra.Command{
		Use:   "espilot",
		Short: "HPC event-service pilot",
		Long: "espilot runs inside a batch allocation, claims event-service jobs from the\n" +
			"dispatcher, drives the Yoda/AthenaMP payload and streams per-event outputs\n" +
			"to the object store.",
		RunE: runApp,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("espilot %s (%s, %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
)

func main() {
	if err := execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func execute() error {
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "configs/espilot.yaml", "config file path")
	rootCmd.Flags().BoolVar(&recoverRun, "recover", false,
		"resume a previously interrupted run from its on-disk state")

	return rootCmd.Execute()
}

func runApp(*cobra.Command, []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	code, err := runPilot(cfg, recoverRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	if code != 0 {
		os.Exit(code)
	}
	return nil
}
