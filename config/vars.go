package config

import (
	"github.com/flashbots/go-utils/cli"
)

// Set during build
var (
	// Version is the version of the software, set at build time
	Version = "v0.1.0-dev"
)

// Chain timing constants
const (
	// GenesisTimeMainnet is the unix timestamp of the mainnet beacon genesis
	GenesisTimeMainnet = 1606824023

	// SlotTimeSec is the duration of a beacon slot in seconds
	SlotTimeSec = 12
)

// Other settings
var (
	// ServerReadTimeoutMs sets the maximum duration for reading the entire request, including the body. A zero or negative value means there will be no timeout.
	ServerReadTimeoutMs = cli.GetEnvInt("BOLT_SIDECAR_SERVER_READ_TIMEOUT_MS", 1000)

	// ServerReadHeaderTimeoutMs sets the amount of time allowed to read request headers.
	ServerReadHeaderTimeoutMs = cli.GetEnvInt("BOLT_SIDECAR_SERVER_READ_HEADER_TIMEOUT_MS", 1000)

	// ServerWriteTimeoutMs sets the maximum duration before timing out writes of the response.
	ServerWriteTimeoutMs = cli.GetEnvInt("BOLT_SIDECAR_SERVER_WRITE_TIMEOUT_MS", 0)

	// ServerIdleTimeoutMs sets the maximum amount of time to wait for the next request when keep-alives are enabled.
	ServerIdleTimeoutMs = cli.GetEnvInt("BOLT_SIDECAR_SERVER_IDLE_TIMEOUT_MS", 0)
)
