//go:build mage

// Copyright (c) 2026 Petar Djukic. All rights reserved.
// SPDX-License-Identifier: MIT

// Build targets for docsync.
//
//	mage build          Compile the docsync binary to bin/
//	mage test:all       Run every test
//	mage test:race      Run every test with the race detector
//	mage test:cover     Write a coverage profile to bin/coverage.out
//	mage lint           Run golangci-lint
//	mage serve          Build, then run the relay on :8080
//	mage clean          Remove build artifacts
//	mage install        Install docsync to GOPATH/bin
package main

import (
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binGo      = "go"
	binaryName = "docsync"
	binaryDir  = "bin"
	cmdDir     = "./cmd/docsync"
)

// Build compiles the docsync binary to bin/.
func Build() error {
	if err := os.MkdirAll(binaryDir, 0o755); err != nil {
		return err
	}
	return sh.RunV(binGo, "build", "-v", "-o", filepath.Join(binaryDir, binaryName), cmdDir)
}

// Clean removes build artifacts.
func Clean() error {
	if err := os.RemoveAll(binaryDir); err != nil {
		return err
	}
	return sh.RunV(binGo, "clean")
}

// Install builds and copies the binary to GOPATH/bin.
func Install() error {
	mg.Deps(Build)
	gopath, err := sh.Output(binGo, "env", "GOPATH")
	if err != nil {
		return err
	}
	src := filepath.Join(binaryDir, binaryName)
	dst := filepath.Join(gopath, "bin", binaryName)
	return sh.Copy(dst, src)
}

// Serve builds and runs the relay server with the local store.
func Serve() error {
	mg.Deps(Build)
	return sh.RunV(filepath.Join(binaryDir, binaryName), "serve")
}
