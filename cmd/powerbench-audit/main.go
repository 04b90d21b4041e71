/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebook/powerbench/audit"
)

// rootCmd is the audit verifier's entry point; its single subcommand
// matches spec.md §6's `check <session_dir> <sources_dir>`.
var rootCmd = &cobra.Command{
	Use:   "powerbench-audit",
	Short: "offline session verifier (C10)",
}

var checkCmd = &cobra.Command{
	Use:   "check <session_dir> <sources_dir>",
	Short: "cross-check a session's two descriptors and its result tree",
	Args:  cobra.ExactArgs(2),
	Run: func(_ *cobra.Command, args []string) {
		sessionDir, sourcesDir := args[0], args[1]

		results, err := audit.Run(sessionDir, sourcesDir)
		if err != nil {
			log.Errorf("audit: %v", err)
			os.Exit(1)
		}

		logPath := filepath.Join(filepath.Dir(filepath.Clean(sessionDir)), "check.log")
		if err := audit.WriteLog(logPath, results); err != nil {
			log.Errorf("audit: %v", err)
			os.Exit(1)
		}
		log.Infof("audit: wrote %s", logPath)

		if audit.AnyFailed(results) {
			os.Exit(1)
		}
		os.Exit(0)
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func main() {
	log.SetLevel(log.InfoLevel)
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
