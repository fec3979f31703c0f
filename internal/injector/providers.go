package injector

import (
	"github.com/driftsync/driftsync/internal/core/engine"
	"github.com/driftsync/driftsync/internal/core/observability/log"
	"github.com/driftsync/driftsync/internal/server"
	"github.com/driftsync/driftsync/internal/server/oplog"
)

// ProvideConfig loads the server configuration from path, or defaults when
// path is empty.
func ProvideConfig(path ConfigPath) (server.Config, error) {
	return server.LoadConfig(string(path))
}

// ConfigPath distinguishes the config file path from other strings in the
// wire graph.
type ConfigPath string

// ProvideLogger builds the process logger at the configured level.
func ProvideLogger(cfg server.Config) log.Log {
	return log.New(log.ParseLevel(cfg.LogLevel))
}

// ProvideEngine builds the server's engine replica from the configured
// schema.
func ProvideEngine(cfg server.Config) (*engine.Engine, error) {
	return engine.New(cfg.Schema(), cfg.NodeID)
}

// ProvideOpLog opens the durable operation log. The returned cleanup
// closes it.
func ProvideOpLog(cfg server.Config) (*oplog.Log, func(), error) {
	l, err := oplog.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	return l, func() { _ = l.Close() }, nil
}
