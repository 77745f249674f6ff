package lifecycle

import (
	"fmt"

	"github.com/deepsight/agency/internal/api"
	"github.com/deepsight/agency/internal/config"
	"github.com/deepsight/agency/internal/queue"
	"github.com/deepsight/agency/internal/relay"
)

// Relays is the set of relay endpoints and the inbound queues they feed.
// Endpoints that name the same inbound queue share it.
type Relays struct {
	Endpoints []*relay.Endpoint
	Inbound   map[string]*queue.Queue[relay.Frame]
}

// NewRelays creates an endpoint for each definition, without starting any.
func NewRelays(defs []config.RelayEndpoint) (*Relays, error) {
	r := &Relays{
		Inbound: make(map[string]*queue.Queue[relay.Frame]),
	}

	for _, def := range defs {
		cfg, err := def.RelayConfig()
		if err != nil {
			return nil, fmt.Errorf("cannot configure relay endpoint '%v': %w", def.Name, err)
		}

		name := def.Inbound
		if name == "" {
			name = config.DefaultInbound
		}
		inbound, has := r.Inbound[name]
		if !has {
			inbound = queue.New[relay.Frame]()
			r.Inbound[name] = inbound
		}

		e, err := relay.New(cfg, inbound)
		if err != nil {
			return nil, err
		}
		r.Endpoints = append(r.Endpoints, e)
	}

	return r, nil
}

// Senders returns the endpoints keyed by name.
func (r *Relays) Senders() map[string]api.Sender {
	senders := make(map[string]api.Sender, len(r.Endpoints))
	for _, e := range r.Endpoints {
		senders[e.Name()] = e
	}
	return senders
}
