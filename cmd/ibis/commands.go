// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	userAdmin  bool
	hashFrom   string
	hashTo     string

	rootCmd = &cobra.Command{
		Use:           "ibis",
		Short:         "A federated wiki",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the instance until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	userCmd = &cobra.Command{
		Use:   "user",
		Short: "Manage local users",
	}
	userAddCmd = &cobra.Command{
		Use:   "add <name>",
		Short: "Create a local user and print its API token",
		Args:  cobra.ExactArgs(1),
		RunE:  runUserAdd,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	configInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to --config",
		Args:  cobra.NoArgs,
		RunE:  runConfigInit,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run:   runVersion,
	}
	versionHashCmd = &cobra.Command{
		Use:   "hash [diff-file]",
		Short: "Print the edit version of a unified diff",
		Long: `Reads a unified diff from the file argument or stdin and prints the
edit version it hashes to. With --from and --to the diff between two text
files is computed first, the same way an edit is.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runVersionHash,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "ibis.yaml", "configuration file")

	userAddCmd.Flags().BoolVar(&userAdmin, "admin", false, "grant admin rights")
	versionHashCmd.Flags().StringVar(&hashFrom, "from", "", "original text file")
	versionHashCmd.Flags().StringVar(&hashTo, "to", "", "edited text file")
	versionHashCmd.MarkFlagsRequiredTogether("from", "to")

	userCmd.AddCommand(userAddCmd)
	configCmd.AddCommand(configInitCmd)
	versionCmd.AddCommand(versionHashCmd)
	rootCmd.AddCommand(serveCmd, userCmd, configCmd, versionCmd)
}
