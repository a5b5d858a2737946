// Copyright 2025 Tom Barlow
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

package config

import (
	"maps"
	"path/filepath"
	"strings"

	"github.com/tombee/overseer/internal/launcher"
	overseerlog "github.com/tombee/overseer/internal/log"
	"github.com/tombee/overseer/internal/role"
	"github.com/tombee/overseer/internal/stream"
	"github.com/tombee/overseer/internal/tracing"
	"github.com/tombee/overseer/internal/tracing/export"
)

// Commands returns the launch commands of the enabled roles in start order.
func (c *Config) Commands() []launcher.Command {
	var cmds []launcher.Command

	if c.Search.Enabled {
		cmd := c.Search.command(role.Search)
		// the node reads its settings from files, not from a properties file
		cmd.Properties = nil
		if len(c.Search.Properties) > 0 {
			cmd.Properties = maps.Clone(c.Search.Properties)
		}
		cmd.Search = &launcher.SearchSettings{
			Host:                c.Search.Host,
			Port:                c.Search.Port,
			ClusterName:         c.Search.ClusterName,
			DataDir:             c.Search.DataDir,
			ConfDir:             filepath.Join(c.Paths.Temp, "conf", "es"),
			StaleDataDirs:       c.Search.StaleDataDirs,
			Settings:            c.Search.Settings,
			HealthRetries:       c.Search.HealthRetries,
			HealthRetryInterval: c.Search.HealthRetryInterval,
		}
		cmds = append(cmds, cmd)
	}
	if c.Web.Enabled {
		cmds = append(cmds, c.Web.command(role.Web))
	}
	if c.TaskEngine.Enabled {
		cmds = append(cmds, c.TaskEngine.command(role.TaskEngine))
	}
	return cmds
}

func (r RoleConfig) command(id role.ID) launcher.Command {
	props := maps.Clone(r.Properties)
	if props == nil {
		props = map[string]string{}
	}
	return launcher.Command{
		Role:                id,
		Executable:          r.Executable,
		Args:                append([]string(nil), r.Args...),
		Properties:          props,
		Env:                 maps.Clone(r.Env),
		SuppressEnv:         append([]string(nil), r.UnsetEnv...),
		WorkDir:             r.WorkDir,
		GracefulStopTimeout: r.StopTimeout,
		HardStopTimeout:     r.HardStopTimeout,
	}
}

// LogConfig returns the logger configuration. Output is left to the caller.
func (c *Config) LogConfig() *overseerlog.Config {
	cfg := overseerlog.DefaultConfig()
	cfg.Level = strings.ToLower(c.Log.Level)
	cfg.Format = overseerlog.Format(c.Log.Format)
	cfg.AddSource = c.Log.AddSource
	return cfg
}

// StreamFormat returns how child process output is parsed.
func (c *Config) StreamFormat() stream.Format {
	return stream.Format(c.Log.ProcessFormat)
}

// TracingConfig returns the tracing configuration for the given version.
func (c *Config) TracingConfig(version string) tracing.Config {
	cfg := tracing.DefaultConfig()
	cfg.Enabled = c.Tracing.Enabled
	cfg.ServiceVersion = version
	cfg.SampleRate = c.Tracing.SampleRate
	for _, e := range c.Tracing.Exporters {
		cfg.Exporters = append(cfg.Exporters, tracing.ExporterConfig{
			Type:     e.Type,
			Endpoint: e.Endpoint,
			Headers:  maps.Clone(e.Headers),
			TLS: export.TLSSettings{
				Enabled:           e.TLS.Enabled,
				VerifyCertificate: e.TLS.VerifyCertificate,
				CACertPath:        e.TLS.CACertPath,
			},
			Timeout: e.Timeout,
		})
	}
	return cfg
}
