package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/radio-control/beaconnode/internal/adapter"
	"github.com/radio-control/beaconnode/internal/adapter/bluez"
	"github.com/radio-control/beaconnode/internal/adapter/fake"
	"github.com/radio-control/beaconnode/internal/clock"
	"github.com/radio-control/beaconnode/internal/config"
	"github.com/radio-control/beaconnode/internal/controller"
	"github.com/radio-control/beaconnode/internal/logging"
	"github.com/radio-control/beaconnode/internal/messaging"
	"github.com/radio-control/beaconnode/internal/messaging/memory"
	"github.com/radio-control/beaconnode/internal/messaging/mqtt"
	"github.com/radio-control/beaconnode/internal/node"
)

func loggingOptions(cfg config.LogConfig) logging.Options {
	return logging.Options{
		Level:      cfg.Level,
		Console:    cfg.Console,
		File:       cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}

func nodeConfig(cfg *config.Config) node.Config {
	stackID := "generic"
	if cfg.Node.Radio == config.RadioBlueZ {
		stackID = bluez.StackID
	}
	return node.Config{
		Timing: controller.Timing{
			SettleDelay: cfg.Timing.SettleDelay.D(),
			CarPace:     cfg.Timing.CarPace.D(),
			IdlePace:    cfg.Timing.IdlePace.D(),
			ScanWindow:  cfg.Timing.ScanWindow.D(),
			ScanMargin:  cfg.Timing.ScanMargin.D(),
		},
		AnnounceDelay: cfg.Timing.AnnounceDelay.D(),
		Strict:        cfg.Commands.Strict,
		StackID:       stackID,
	}
}

func restartPolicy(cfg config.SupervisorConfig) node.Policy {
	return node.Policy{
		MaxRestarts: cfg.MaxRestarts,
		Backoff:     cfg.Backoff.D(),
		StableAfter: cfg.StableAfter.D(),
	}
}

// radioFactory opens a fresh radio per incarnation.
func radioFactory(cfg config.NodeConfig, logger zerolog.Logger) (node.RadioFactory, error) {
	switch cfg.Radio {
	case config.RadioBlueZ:
		return func(ctx context.Context) (adapter.Radio, error) {
			return bluez.New(bluez.Options{AdapterID: cfg.AdapterID, LocalName: cfg.Name}, logger)
		}, nil
	case config.RadioFake:
		addr, err := adapter.ParseAddress(cfg.FakeAddress)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (adapter.Radio, error) {
			return fake.NewFakeRadio(cfg.Name, addr), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown radio backend %q", cfg.Radio)
	}
}

// channelFactory connects a fresh messaging channel per incarnation. The MQTT client id
// is the configured prefix followed by the node address.
func channelFactory(cfg config.MQTTConfig, logger zerolog.Logger) node.ChannelFactory {
	if cfg.BrokerURL == config.MemoryBroker {
		broker := memory.NewBroker()
		return func(ctx context.Context, id node.Identity) (messaging.Channel, error) {
			return broker.Connect(cfg.ClientIDPrefix + id.Address), nil
		}
	}

	return func(ctx context.Context, id node.Identity) (messaging.Channel, error) {
		client := mqtt.New(mqtt.Config{
			BrokerURL:            cfg.BrokerURL,
			ClientID:             cfg.ClientIDPrefix + id.Address,
			Username:             cfg.Username,
			Password:             cfg.Password,
			KeepAlive:            cfg.KeepAlive.D(),
			ConnectRetryInterval: cfg.ConnectRetryInterval.D(),
			PublishTimeout:       cfg.PublishTimeout.D(),
			InboxSize:            cfg.InboxSize,
		}, logger)
		if err := client.Connect(ctx); err != nil {
			_ = client.Close()
			return nil, err
		}
		return client, nil
	}
}

func nodeDeps(cfg *config.Config, logger zerolog.Logger) (node.Deps, error) {
	newRadio, err := radioFactory(cfg.Node, logger)
	if err != nil {
		return node.Deps{}, err
	}
	return node.Deps{
		NewRadio:   newRadio,
		NewChannel: channelFactory(cfg.MQTT, logger),
		Clock:      clock.Real{},
	}, nil
}
