// Package main is the entry point for the lockdown agent.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "lockdown-agent",
		Short:   "Exam Lockdown Agent",
		Long:    `Lockdown Agent restricts outbound network access to an exam allow-list and audits the host for cheating tools.`,
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", defaultConfigPath(), "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{.Name}} {{.Version}}
Commit: ` + commit + `
Build Date: ` + buildDate + "\n")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newCtlCmds()...)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if dir := os.Getenv("ProgramData"); dir != "" {
		return dir + `\LockdownAgent\agent.yaml`
	}
	return "/etc/lockdown-agent/agent.yaml"
}
