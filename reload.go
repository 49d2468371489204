package waybackproxy

import (
	"context"

	"github.com/dylandreimerink/waybackproxy/cache"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

//The ReloadListener swaps the live config snapshot when a reload is announced
// on the Redis pub/sub channel. The YAML file and the original CLI flags are
// re-evaluated, a snapshot that fails to load or validate is discarded and the
// previous one stays in effect
type ReloadListener struct {
	Store      *cache.Store
	Ref        *ConfigRef
	ConfigPath string
	Flags      *pflag.FlagSet
	Logger     *logrus.Logger
}

//Run subscribes to the reload channel and applies reloads until the context
// is cancelled. A dropped subscription ends the listener, the error is logged
// by the caller
func (listener *ReloadListener) Run(ctx context.Context) error {
	pubsub := listener.Store.Subscribe(ctx, cache.ReloadChannel)
	defer pubsub.Close()

	//Force the subscription to be established before returning control,
	// reload messages published after Run starts must not be lost
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	listener.Logger.WithField("channel", cache.ReloadChannel).Info("Listening for config reloads")

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case message, ok := <-messages:
			if !ok {
				return nil
			}

			listener.reload(message.Payload)
		}
	}
}

func (listener *ReloadListener) reload(payload string) {
	conf, err := LoadConfig(listener.ConfigPath, listener.Flags)
	if err != nil {
		listener.Logger.WithError(err).Warning("Config reload failed, keeping current config")
		return
	}

	listener.Ref.Store(conf)
	listener.Logger.WithFields(logrus.Fields{
		"payload":     payload,
		"target_date": conf.Proxy.TargetDate,
		"mode":        conf.Access.Mode,
		"speed":       conf.Throttle.Speed,
	}).Info("Config reloaded")
}
