package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatsync/config"
	"chatsync/conversation"
	"chatsync/discovery"
	"chatsync/logging"
	"chatsync/network"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// clientEnv is everything a client command needs to talk to a backend.
type clientEnv struct {
	cfg     *config.ClientConfig
	cfgPath string
	log     *zap.Logger
	api     *network.APIClient
	pushURL string
}

func loadClientConfig(cmd *cobra.Command) (*config.ClientConfig, string, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, "", err
	}
	overlay, _ := cmd.Flags().GetString("config")
	if err := config.ApplyOverlay(cfg, overlay); err != nil {
		return nil, "", err
	}
	config.ApplyEnv(cfg)
	return cfg, cfgPath, nil
}

func newClientEnv(cmd *cobra.Command, discover bool) (*clientEnv, error) {
	cfg, cfgPath, err := loadClientConfig(cmd)
	if err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	log, err := logging.New(level, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	env := &clientEnv{cfg: cfg, cfgPath: cfgPath, log: log}
	apiURL := cfg.APIURL
	pushURL, err := cfg.ResolvedPushURL()
	if err != nil {
		return nil, err
	}

	if discover {
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(cfg.DiscoveryTimeoutSeconds+1)*time.Second)
		defer cancel()
		backend, err := discovery.FindBackend(ctx, discovery.Config{
			ScanTimeout: time.Duration(cfg.DiscoveryTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("discover backend: %w", err)
		}
		apiURL = backend.APIURL()
		pushURL = backend.PushURL()
		log.Info("backend discovered",
			zap.String("instance", backend.Instance),
			zap.String("api_url", apiURL),
			zap.String("push_url", pushURL),
		)
	}

	if cfg.UserID == "" || cfg.Token == "" {
		return nil, errors.New("no identity configured: run `chatsync token <user> --save` first")
	}

	env.api = network.NewAPIClient(apiURL, cfg.Token, time.Duration(cfg.RequestTimeoutSeconds)*time.Second)
	env.pushURL = pushURL
	return env, nil
}

func (e *clientEnv) newSession() (*conversation.Session, error) {
	router := network.NewRouter(network.RouterOptions{
		Dialer:            network.WebsocketDialer{URL: e.pushURL},
		Logger:            e.log,
		ReconnectInterval: time.Duration(e.cfg.ReconnectIntervalMillis) * time.Millisecond,
	})
	return conversation.NewSession(conversation.Options{
		UserID: e.cfg.UserID,
		Token:  e.cfg.Token,
		API:    e.api,
		Router: router,
		Logger: e.log,
	})
}

// waitForState blocks until done reports true for a session snapshot, an error arrives
// on the session, or ctx ends.
func waitForState(ctx context.Context, sess *conversation.Session, done func(conversation.State) bool) (conversation.State, error) {
	for {
		state, err := sess.Snapshot(ctx)
		if err != nil {
			return conversation.State{}, err
		}
		if done(state) {
			return state, nil
		}
		select {
		case <-sess.Updates():
		case err := <-sess.Errors():
			var connectErr *network.ChannelConnectError
			if errors.As(err, &connectErr) {
				continue
			}
			return state, err
		case <-ctx.Done():
			return state, ctx.Err()
		}
	}
}

func hasConversation(id string) func(conversation.State) bool {
	return func(state conversation.State) bool {
		for _, c := range state.Conversations {
			if c.ID == id {
				return true
			}
		}
		return false
	}
}
