/*
Copyright 2025 Clippost Authors.

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
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/clippost/clippost"
	"github.com/clippost/clippost/config"
	"github.com/clippost/clippost/database"
	"github.com/clippost/clippost/internal/notification"
)

// Clippost represents the CLI application around the root Cobra command.
type Clippost struct {
	cmd *cobra.Command
}

// clippostInstance holds the runtime pipeline and its configuration for
// commands to share.
type clippostInstance struct {
	clippost *clippost.Clippost
	cnf      *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and wires the pipeline before any command
// executes.
func preRun(app *clippostInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("clippost.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newClippost, err := setupClippost(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.clippost = newClippost
		app.cnf = cnf

		return nil
	}
}

func setupClippost(cfg *config.Configuration) (*clippost.Clippost, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newClippost, err := clippost.NewClippost(db)
	if err != nil {
		return nil, fmt.Errorf("error creating clippost: %v", err)
	}
	return newClippost, nil
}

// NewCLI builds the command-line interface for the publishing pipeline.
func NewCLI() *Clippost {
	var configFile string
	c := &clippostInstance{}

	var rootCmd = &cobra.Command{
		Use:   "clippost",
		Short: "Scheduled video publishing pipeline",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./clippost.json", "Configuration file for the pipeline")

	rootCmd.PersistentPreRunE = preRun(c)

	rootCmd.AddCommand(workerCommands(c))
	rootCmd.AddCommand(migrateCommands(c))

	return &Clippost{cmd: rootCmd}
}

func (w Clippost) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
