package main

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/carterjones/signaling"
	"github.com/carterjones/signaling/internal/config"
	"github.com/carterjones/signaling/message"
	"github.com/carterjones/signaling/registry"
)

// registrar registers a user, and optionally a group, for each new connection.
type registrar struct {
	client *signaling.Client

	// nil when registration goes over the websocket
	api *registry.Client

	user  string
	group string
	log   zerolog.Logger
}

func newRegistrar(c *signaling.Client, cfg config.APIConfig, user, group string, log zerolog.Logger) *registrar {
	r := &registrar{
		client: c,
		user:   user,
		group:  group,
		log:    log,
	}

	if cfg.BaseURL != "" {
		r.api = registry.New(cfg.BaseURL, c)

		// Share the cookie jar of the websocket handshake.
		if c.HTTPClient != nil {
			hc := *c.HTTPClient
			hc.Timeout = cfg.Timeout
			r.api.HTTPClient = &hc
		} else {
			r.api.HTTPClient = &http.Client{Timeout: cfg.Timeout}
		}
	}

	return r
}

func (r *registrar) register(ctx context.Context) {
	if r.user == "" {
		return
	}

	if r.api == nil {
		r.send(message.NewRegister(r.user))
		if r.group != "" {
			r.send(message.NewGroupRegister(r.user, r.group))
		}
		return
	}

	res, err := r.api.RegisterUser(ctx, r.user)
	if err != nil {
		r.log.Error().Err(err).Str("user", r.user).Msg("user registration failed")
		return
	}
	r.log.Info().Str("user", res.Username).Bool("success", res.Success).Msg("user registered")

	if r.group == "" || !res.Success {
		return
	}

	res, err = r.api.RegisterGroup(ctx, r.user, r.group)
	if err != nil {
		r.log.Error().Err(err).Str("group", r.group).Msg("group registration failed")
		return
	}
	r.log.Info().Str("group", r.group).Bool("success", res.Success).Msg("group joined")
}

func (r *registrar) send(m message.Message) {
	if err := r.client.Send(m); err != nil {
		r.log.Error().Err(err).Str("type", string(m.MessageHeader().Type)).Msg("send failed")
	}
}
