// Copyright 2024 The go-mptcpd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	goplugin "plugin"
	"sort"
	"strings"
)

// InitSymbol is the registration hook every plugin shared object must
// export:
//
//	func PluginInit() error
//
// The hook calls Register with the plugin's name and operations.
const InitSymbol = "PluginInit"

// Load loads every path manager plugin shared object found in dir and
// records defaultName as the preferred default strategy.  Plugins are
// loaded in sorted file name order, so the first name is the most favorable
// priority.
//
// Load succeeds iff at least one plugin registered itself.  A second Load
// while plugins are loaded is a deliberate no-op returning the current
// state: the registry holds global state and loading twice would corrupt
// it.
func Load(dir, defaultName string) error {
	if dir == "" {
		return errors.New("no plugin directory specified")
	}

	// Hold one directory handle for both the permission check and the
	// enumeration so the directory cannot be swapped in between.
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("plugin directory %q: %w", dir, err)
	}
	defer f.Close()

	if err := checkDirPerms(f, dir); err != nil {
		return err
	}

	if registry != nil {
		if len(registry.ops) == 0 {
			return ErrNoPlugins
		}

		return nil
	}

	registry = newState(defaultName)

	if err := loadPlugins(f, dir); err != nil {
		registry = nil
		return err
	}

	if len(registry.ops) == 0 {
		registry = nil
		return ErrNoPlugins
	}

	return nil
}

// checkDirPerms verifies that the plugin directory permissions are secure:
// owner and group write are permitted, world write is not.
func checkDirPerms(f *os.File, dir string) error {
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("plugin directory %q: %w", dir, err)
	}

	if !fi.IsDir() || fi.Mode().Perm()&0o002 != 0 {
		return fmt.Errorf("%q should be a directory that is not world writable", dir)
	}

	return nil
}

// loadPlugins opens every shared object in the directory and invokes its
// registration hook.  A single broken plugin is logged and skipped rather
// than failing the whole load.
func loadPlugins(f *os.File, dir string) error {
	names, err := f.Readdirnames(-1)
	if err != nil {
		return fmt.Errorf("plugin directory %q: %w", dir, err)
	}

	sort.Strings(names)

	for _, name := range names {
		if !strings.HasSuffix(name, ".so") {
			continue
		}

		path := filepath.Join(dir, name)
		if err := loadPlugin(path); err != nil {
			ll().Error("unable to load plugin", "path", path, "err", err)
		}
	}

	return nil
}

// loadPlugin opens one plugin shared object and runs its registration hook.
func loadPlugin(path string) error {
	p, err := goplugin.Open(path)
	if err != nil {
		return err
	}

	sym, err := p.Lookup(InitSymbol)
	if err != nil {
		return err
	}

	initFn, ok := sym.(func() error)
	if !ok {
		return fmt.Errorf("symbol %s is not a func() error", InitSymbol)
	}

	return initFn()
}
