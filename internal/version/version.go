/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version provides build version information.
package version

// Version is the current version of the call flow manager.
// Set at build time via ldflags:
//
//	-X github.com/medilensai-eng/call-flow-manager-sub000/internal/version.Version=X.Y.Z
var Version = "0.3.0"
