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

// Package launcher turns a role's command description into a running
// process and the health strategy that watches it.
package launcher

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/overseer/internal/health"
	"github.com/tombee/overseer/internal/ipc"
	"github.com/tombee/overseer/internal/process"
	"github.com/tombee/overseer/internal/role"
	overseererrors "github.com/tombee/overseer/pkg/errors"
)

// Keys always written to the properties file.
const (
	PropertyProcessKey          = "process.key"
	PropertyProcessIndex        = "process.index"
	PropertySharedDir           = "process.sharedDir"
	PropertyGracefulStopTimeout = "process.gracefulStopTimeout"
)

// SearchConfigFile is the node configuration written into SearchSettings.ConfDir.
const SearchConfigFile = "search.yml"

var (
	// ErrUnknownRole is returned for commands whose role has no IPC slot.
	ErrUnknownRole = errors.New("unknown role")

	// ErrNoExecutable is returned for commands without an executable.
	ErrNoExecutable = errors.New("no executable configured")
)

// SearchSettings describes the search node. Only the search role has them.
type SearchSettings struct {
	Host        string
	Port        int
	ClusterName string
	DataDir     string
	ConfDir     string
	// StaleDataDirs are removed before every start; they hold indices of a
	// previous node version that must not be reused.
	StaleDataDirs []string
	// Settings are extra node settings merged into search.yml.
	Settings map[string]any
	// HealthRetries and HealthRetryInterval tune the cluster health wait.
	HealthRetries       int
	HealthRetryInterval time.Duration
}

// BaseURL returns the HTTP address of the node.
func (s *SearchSettings) BaseURL() string {
	return "http://" + net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Command declares how to launch one role.
type Command struct {
	Role       role.ID
	Executable string
	Args       []string
	// Properties, when non-nil, are written to a temporary properties file
	// passed as the last argument instead of on the command line.
	Properties map[string]string
	Env        map[string]string
	// SuppressEnv names variables removed from the inherited environment.
	SuppressEnv         []string
	WorkDir             string
	GracefulStopTimeout time.Duration
	// HardStopTimeout is used by the supervisor only; it is not passed on.
	HardStopTimeout time.Duration
	Search          *SearchSettings
}

// CheckerFactory builds the cluster health checker for a node address.
type CheckerFactory func(baseURL string) health.Checker

// Launcher spawns processes and pairs them with their strategy.
type Launcher struct {
	shm        *ipc.SharedMemory
	spawner    process.Spawner
	tempDir    string
	newChecker CheckerFactory
	environ    func() []string
	logger     *slog.Logger
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithCheckerFactory replaces the HTTP cluster health client.
func WithCheckerFactory(f CheckerFactory) Option {
	return func(l *Launcher) { l.newChecker = f }
}

// WithEnviron replaces os.Environ as the inherited environment.
func WithEnviron(f func() []string) Option {
	return func(l *Launcher) { l.environ = f }
}

// New creates a launcher. Properties files are written to tempDir.
func New(shm *ipc.SharedMemory, spawner process.Spawner, tempDir string, logger *slog.Logger, opts ...Option) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Launcher{
		shm:     shm,
		spawner: spawner,
		tempDir: tempDir,
		environ: os.Environ,
		logger:  logger,
	}
	l.newChecker = func(baseURL string) health.Checker {
		return health.NewClusterClient(baseURL, l.logger)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Launch prepares the role's files, spawns it and returns the handle with the
// strategy that watches it. Any failure is a *errors.LaunchError.
func (l *Launcher) Launch(cmd Command) (process.Handle, health.Strategy, error) {
	fail := func(err error) (process.Handle, health.Strategy, error) {
		return nil, nil, &overseererrors.LaunchError{Role: cmd.Role.Key, Executable: cmd.Executable, Cause: err}
	}

	if cmd.Executable == "" {
		return fail(ErrNoExecutable)
	}
	slot, err := l.shm.Slot(cmd.Role.Index)
	if err != nil {
		return fail(fmt.Errorf("%w %s: %w", ErrUnknownRole, cmd.Role.Key, err))
	}
	// a new process must not see requests addressed to its predecessor
	slot.Reset()

	env := buildEnv(l.environ(), cmd.Env, cmd.SuppressEnv)
	if cmd.Search != nil {
		if err := l.prepareSearch(cmd.Search); err != nil {
			return fail(err)
		}
		env = append(env, "ES_PATH_CONF="+cmd.Search.ConfDir)
	}

	args := append([]string(nil), cmd.Args...)
	var propsPath string
	if cmd.Properties != nil {
		propsPath, err = l.writeProperties(cmd)
		if err != nil {
			return fail(err)
		}
		args = append(args, propsPath)
	}

	spec := process.Spec{
		Path: cmd.Executable,
		Args: args,
		Env:  env,
		Dir:  cmd.WorkDir,
	}

	l.logger.Info("launching process",
		slog.String("role", cmd.Role.Key),
		slog.String("executable", cmd.Executable),
		slog.Any("args", args))

	handle, err := l.spawner.Spawn(spec)
	if err != nil {
		if handle != nil {
			if kerr := handle.Kill(); kerr != nil {
				l.logger.Warn("failed to kill partially started process", slog.Any("error", kerr))
			}
		}
		if propsPath != "" {
			if rerr := os.Remove(propsPath); rerr != nil && !os.IsNotExist(rerr) {
				l.logger.Warn("failed to remove properties file", slog.String("path", propsPath), slog.Any("error", rerr))
			}
		}
		return fail(err)
	}

	if cmd.Search != nil {
		checker := l.newChecker(cmd.Search.BaseURL())
		strategy := health.NewClusterStrategy(handle, checker, l.logger,
			health.WithRetries(cmd.Search.HealthRetries),
			health.WithRetryInterval(cmd.Search.HealthRetryInterval))
		return handle, strategy, nil
	}
	return handle, health.NewIPCStrategy(slot), nil
}

func (l *Launcher) prepareSearch(s *SearchSettings) error {
	for _, dir := range s.StaleDataDirs {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove stale data directory %s: %w", dir, err)
		}
		l.logger.Debug("removed stale data directory", slog.String("path", dir))
	}

	for _, dir := range []string{s.DataDir, s.ConfDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	settings := map[string]any{
		"cluster.name": s.ClusterName,
		"node.name":    "overseer-" + s.ClusterName,
		"path.data":    s.DataDir,
		"network.host": s.Host,
		"http.port":    s.Port,
	}
	for k, v := range s.Settings {
		settings[k] = v
	}

	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal search settings: %w", err)
	}
	path := filepath.Join(s.ConfDir, SearchConfigFile)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func (l *Launcher) writeProperties(cmd Command) (string, error) {
	props := make(map[string]string, len(cmd.Properties)+4)
	for k, v := range cmd.Properties {
		props[k] = v
	}
	props[PropertyProcessKey] = cmd.Role.Key
	props[PropertyProcessIndex] = strconv.Itoa(cmd.Role.Index)
	props[PropertySharedDir] = l.shm.Dir()
	props[PropertyGracefulStopTimeout] = strconv.FormatInt(cmd.GracefulStopTimeout.Milliseconds(), 10)

	if err := os.MkdirAll(l.tempDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}
	f, err := os.CreateTemp(l.tempDir, cmd.Role.Key+"-*.properties")
	if err != nil {
		return "", fmt.Errorf("failed to create properties file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(EncodeProperties(props)); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write properties file: %w", err)
	}
	return f.Name(), nil
}

// RemoveStaleProperties deletes properties files left in the temp directory by
// an earlier run. It returns how many were removed.
func (l *Launcher) RemoveStaleProperties() (int, error) {
	paths, err := filepath.Glob(filepath.Join(l.tempDir, "*.properties"))
	if err != nil {
		return 0, fmt.Errorf("failed to list properties files: %w", err)
	}
	removed := 0
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove stale properties file %s: %w", path, err)
		}
		removed++
	}
	if removed > 0 {
		l.logger.Debug("removed stale properties files", slog.Int("count", removed))
	}
	return removed, nil
}

// EncodeProperties renders props as a flat key=value file with sorted keys.
func EncodeProperties(props map[string]string) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(escapeProperty(k, true))
		b.WriteByte('=')
		b.WriteString(escapeProperty(props[k], false))
		b.WriteByte('\n')
	}
	return b.String()
}

func escapeProperty(s string, key bool) string {
	var b strings.Builder
	for i, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '=', ':', '#', '!':
			b.WriteByte('\\')
			b.WriteRune(r)
		case ' ':
			if key || i == 0 {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// buildEnv drops suppressed and overridden variables from base, then appends
// the overrides in sorted order.
func buildEnv(base []string, set map[string]string, suppress []string) []string {
	drop := make(map[string]bool, len(suppress)+len(set))
	for _, k := range suppress {
		drop[k] = true
	}
	for k := range set {
		drop[k] = true
	}

	env := make([]string, 0, len(base)+len(set))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if drop[k] {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+set[k])
	}
	return env
}
