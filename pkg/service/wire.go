//go:build wireinject
// +build wireinject

package service

import (
	"github.com/google/wire"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/config"
)

func InitializeCallService(conf *config.Config) (*CallService, func(), error) {
	wire.Build(
		newScope,
		newEventAdapter,
		newOpenIDClient,
		newSFUConfigClient,
		newMediaRoomFactory,
		newControls,
		newCallSession,
		newStateProvider,
		NewDebugServer,
		NewCallService,
	)
	return nil, nil, nil
}
