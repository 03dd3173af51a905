/*
Copyright 2025.

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

// Command agentcheckd runs the HAProxy agent-check to gRPC health
// bridge: a TCP listener speaking the line-oriented agent-check
// protocol, translating each request into a grpc.health.v1.Health/Check
// call against the named backend.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/beskarlabs/agentcheck-bridge/internal/version"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "agentcheckd",
		Short: "Bridges HAProxy agent-check polls to gRPC health checks",
		Long:  "agentcheckd accepts HAProxy agent-check TCP connections and answers each request line with up or down, derived from a grpc.health.v1.Health/Check call against the requested backend.",
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to an optional YAML configuration overlay")

	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agentcheckd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
			return nil
		},
	}
}
