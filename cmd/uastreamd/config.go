// Copyright 2024 the uastream Authors.  All rights reserved.
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

package main

import (
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/uaclass/uastream"
	"github.com/uaclass/uastream/sim"
)

const (
	protocolLegacy = "legacy"
	protocolModern = "modern"

	speedFull = "full"
	speedHigh = "high"
)

// initConfig defines config flags, config file, and envs
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("protocol", protocolModern, "Device protocol revision. Possible values: legacy, modern.")
	flag.String("speed", speedHigh, "Bus speed of the simulated device. Possible values: full, high.")
	flag.Uint32("rate", 48000, "Sample rate in Hz.")
	flag.Int("volume-db", 0, "Initial playback volume in dB.")
	flag.Bool("mute", false, "Start with the stream muted.")
	flag.Int("drift-ppm", 0, "Clock drift of the simulated device in parts per million.")
	flag.Uint("tone-hz", 440, "Frequency of the generated test tone.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("listen", ":8080", "The address at which to listen for health and metrics.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/uastreamd/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

func configuredProfile() (sim.Profile, error) {
	var p sim.Profile
	switch protocol := viper.GetString("protocol"); protocol {
	case protocolModern:
		p = sim.Speakers()
	case protocolLegacy:
		p = sim.Speakers()
		p.Modern = false
		p.SyncType = uastream.IsoSyncTypeAdaptive
		// legacy descriptors carry a discrete rate list
		p.Rates = []uastream.SampleRateRange{
			{Min: 44100, Max: 44100},
			{Min: 48000, Max: 48000},
			{Min: 96000, Max: 96000},
		}
	default:
		return p, fmt.Errorf("protocol %q unknown; possible values are: legacy, modern", protocol)
	}

	switch speed := viper.GetString("speed"); speed {
	case speedHigh:
		p.HighSpeed = true
	case speedFull:
		p.HighSpeed = false
	default:
		return p, fmt.Errorf("speed %q unknown; possible values are: full, high", speed)
	}

	p.DriftPPM = viper.GetInt("drift-ppm")
	return p, nil
}
