// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package version holds the build-time version information, overridden by
// the linker on release builds.
package version

// AgentVersion is the version of the running binary.
var AgentVersion = "0.0.0-dev"

// Commit is the git commit the binary was built from.
var Commit = ""
