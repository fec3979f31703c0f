//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/driftsync/driftsync/internal/server"
)

// InitializeServer builds a fully wired sync server from a config path.
func InitializeServer(path ConfigPath) (*server.Server, func(), error) {
	wire.Build(
		ProvideConfig,
		ProvideLogger,
		ProvideEngine,
		ProvideOpLog,
		server.NewMetrics,
		server.New,
	)
	return nil, nil, nil
}
