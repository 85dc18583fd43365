//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"converse/internal/channel"
	"converse/internal/chat"
	"converse/internal/chat/repository"
	"converse/internal/config"
	"converse/internal/dbmongo"
	"converse/internal/dbmysql"
	"converse/internal/gateway"
)

// InitializeServer builds the gateway server with its shared collaborators:
// MySQL persistence, the Mongo profile store, and the Redis event channel
// transport. Wire generates the real body.
func InitializeServer() (*gateway.Server, func(), error) {
	wire.Build(
		config.LoadConfig,
		dbmysql.NewMySQL,
		repository.NewChatRepository,
		dbmongo.NewMongoConnection,
		dbmongo.NewProfileStorage,
		wire.Bind(new(chat.Profiles), new(*dbmongo.ProfileStorage)),
		ProvideRedisClient,
		channel.NewRedisTransport,
		wire.Bind(new(channel.Transport), new(*channel.RedisTransport)),
		gateway.NewServer,
	)
	return nil, nil, nil
}
