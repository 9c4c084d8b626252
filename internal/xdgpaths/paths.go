// Package xdgpaths resolves the platform-specific directories used to
// persist swarm snapshots and LiveUploader state, mirroring the Python
// source's use of `platformdirs.user_data_dir` / `user_state_dir`.
/*
 * Copyright (c) 2024-2025, iotswarm authors. All rights reserved.
 */
package xdgpaths

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

// SwarmDataDir returns "<user-data-dir>/iotswarm/swarms", creating no
// directories itself — callers create on demand per spec.md §4.5.
func SwarmDataDir() string {
	return filepath.Join(xdg.DataHome, "iotswarm", "swarms")
}

// AppStateDir returns "<user-state-dir>/<appName>", a location for
// per-table LiveUploader high-water-mark files. The liveupload package
// does not call it: it uses the caller's Config.StateDir.
func AppStateDir(appName string) string {
	return filepath.Join(xdg.StateHome, appName)
}
