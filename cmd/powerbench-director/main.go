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

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebook/powerbench/director"
)

var opts director.Options

// rootCmd drives one director session, per spec.md §4.8's required and
// optional flag set.
var rootCmd = &cobra.Command{
	Use:   "powerbench-director",
	Short: "power measurement director (C8): drives a workload through a session",
	Run: func(_ *cobra.Command, _ []string) {
		d := director.New(opts)
		if err := d.Run(); err != nil {
			log.Errorf("director: %v", err)
			os.Exit(1)
		}
		os.Exit(0)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&opts.Addr, "addr", "", "controller host")
	flags.StringVar(&opts.RunWorkload, "run-workload", "", "shell command to run once per phase")
	flags.StringVar(&opts.LoadgenLogs, "loadgen-logs", "", "directory the workload writes its logs into")
	flags.StringVar(&opts.Output, "output", "", "base directory to create the session tree under")
	flags.StringVar(&opts.NTP, "ntp", "", "NTP server for local clock sync")

	flags.IntVar(&opts.Port, "port", director.DefaultPort, "controller port")
	flags.StringVar(&opts.Label, "label", "", "optional session label")
	flags.BoolVar(&opts.SendLogs, "send-logs", false, "also zip and upload each phase's loadgen logs")
	flags.BoolVar(&opts.Force, "force", false, "reuse an existing session directory instead of failing")
	flags.BoolVar(&opts.StopServer, "stop-server", false, "ask the controller to exit once this session closes")

	for _, name := range []string{"addr", "run-workload", "loadgen-logs", "output", "ntp"} {
		if err := rootCmd.MarkFlagRequired(name); err != nil {
			log.Fatal(err)
		}
	}
}

func main() {
	log.SetLevel(log.InfoLevel)
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
