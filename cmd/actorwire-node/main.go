package main

import (
    "fmt"
    "os"

    "github.com/spf13/cobra"
)

func main() {
    var configPath string

    root := &cobra.Command{
        Use:           "actorwire-node",
        Short:         "Remote messaging transport node",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

    runCmd := &cobra.Command{
        Use:   "run",
        Short: "Start the transport and serve until interrupted",
        RunE: func(cmd *cobra.Command, args []string) error {
            return run(configPath)
        },
    }

    var metricsAddr string
    runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9109", "prometheus metrics listen address (empty disables)")
    runCmd.PreRun = func(cmd *cobra.Command, args []string) { runMetricsAddr = metricsAddr }

    configCmd := &cobra.Command{
        Use:   "config",
        Short: "Print the effective configuration",
        RunE: func(cmd *cobra.Command, args []string) error {
            return dumpConfig(configPath)
        },
    }

    root.AddCommand(runCmd, configCmd)
    if err := root.Execute(); err != nil {
        fmt.Fprintln(os.Stderr, "error:", err)
        os.Exit(1)
    }
}
