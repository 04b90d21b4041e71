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

	"github.com/facebook/powerbench/config"
	"github.com/facebook/powerbench/controller"
)

var (
	configurationFile string
	sessionDir        string
	metricsAddr       string
	debug             bool
)

// rootCmd is the controller's single entry point, grounded on calnex's
// RootCmd/Execute() wiring.
var rootCmd = &cobra.Command{
	Use:   "powerbench-controller",
	Short: "power measurement controller (C7): accepts director sessions and drives PTD",
	Run: func(_ *cobra.Command, _ []string) {
		cfg, err := config.Load(configurationFile)
		if err != nil {
			log.Errorf("controller: %v", err)
			os.Exit(1)
		}

		srv := controller.NewServer(cfg, sessionDir, debug)
		srv.MetricsAddr = metricsAddr
		if err := srv.Start(); err != nil {
			log.Errorf("controller: %v", err)
			os.Exit(1)
		}
		os.Exit(0)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configurationFile, "configurationFile", "c", "", "controller INI configuration file")
	rootCmd.Flags().StringVar(&sessionDir, "sessionDir", ".", "base directory under which <session>/ trees are created")
	rootCmd.Flags().StringVar(&metricsAddr, "metricsAddr", "", "optional host:port to expose a Prometheus /metrics endpoint on")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "shorten analyzer settle delays for local testing")
	if err := rootCmd.MarkFlagRequired("configurationFile"); err != nil {
		log.Fatal(err)
	}
}

func main() {
	log.SetLevel(log.InfoLevel)
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
