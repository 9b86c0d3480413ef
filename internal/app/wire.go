//go:build wireinject

package app

import (
	"context"

	"github.com/google/wire"
	"go.uber.org/zap"

	"github.com/P0W3R97/dnd-tabletop/internal/config"
	"github.com/P0W3R97/dnd-tabletop/internal/game/dice"
	"github.com/P0W3R97/dnd-tabletop/internal/game/registry"
	"github.com/P0W3R97/dnd-tabletop/internal/game/room"
	"github.com/P0W3R97/dnd-tabletop/internal/gameserver"
)

// ProviderSet is every provider InitializeApp draws from.
var ProviderSet = wire.NewSet(
	ProvideStorage,
	ProvideEventLog,
	ProvideRuleBook,
	ProvideRoller,
	wire.Bind(new(room.Roller), new(*dice.Roller)),
	ProvideRoomConfig,
	ProvideRegistry,
	wire.Bind(new(gameserver.Rooms), new(*registry.Registry)),
	gameserver.NewRouter,
	ProvideHandler,
	ProvideHealthServer,
	ProvideLifecycle,
	wire.Struct(new(App), "*"),
)

// InitializeApp builds the coordinator for cfg. The cleanup function closes
// rooms and then the event log.
func InitializeApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, func(), error) {
	panic(wire.Build(ProviderSet))
}
