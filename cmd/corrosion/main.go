// Copyright 2023 The Corrosion Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Command corrosion runs one node of the peer-to-peer SQL replication
// service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/webclinic017/corrosion/internal/agent"
	"github.com/webclinic017/corrosion/internal/config"
	"github.com/webclinic017/corrosion/internal/util/tripwire"
)

func main() {
	conf := &config.Config{}
	var logLevel string

	cmd := &cobra.Command{
		Use:           "corrosion",
		Short:         "an eventually-consistent SQL replication agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level, err := log.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log.SetLevel(level)

			tw := tripwire.New()
			go func() {
				sig := make(chan os.Signal, 1)
				signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
				<-sig
				log.Info("shutting down")
				tw.Trip()
			}()

			ctx, cancel := tw.Context(context.Background())
			defer cancel()

			a, err := agent.Setup(ctx, conf, tw)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}

	conf.Bind(cmd.Flags())
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	if err := cmd.Execute(); err != nil {
		log.WithError(err).Error("corrosion failed")
		os.Exit(1)
	}
}
