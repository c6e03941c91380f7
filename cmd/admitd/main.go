// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Command admitd is a small demo daemon exercising the admission core
// over a long-poll HTTP endpoint. It is not meant to be a production
// query server -- the "query" it runs is a configurable sleep -- just
// a runnable front end for Registry, Admitter, and HTTPAdapter.
package main

import (
	"os"

	"github.com/featurebasedb/admitcore/cmd"
)

func main() {
	if err := cmd.NewRootCommand(os.Stdin, os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}
