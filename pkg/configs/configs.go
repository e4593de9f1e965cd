// Package configs provides embedded default configuration files.
// Run `go generate ./pkg/configs` to update the embedded configs from the root directory.
package configs

//go:generate cp ../../config.yml config.yml
//go:generate cp ../../injections.yml injections.yml

import _ "embed"

// Embedded configuration files for the `betterinject config` command.

//go:embed config.yml
var DefaultConfigBytes []byte

//go:embed injections.yml
var InjectionsBytes []byte
