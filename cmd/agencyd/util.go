package main

import (
	"fmt"
	"net/url"

	"github.com/deepsight/agency"
	"github.com/deepsight/agency/internal/config"
)

// brokerSchemes are the URI schemes the MQTT client can connect with.
var brokerSchemes = map[string]bool{
	"tcp":   true,
	"mqtt":  true,
	"ssl":   true,
	"tls":   true,
	"mqtts": true,
	"ws":    true,
	"wss":   true,
}

// validateBrokers checks that every broker is a URI with a supported scheme
// and a host.
func validateBrokers(brokers []string) error {
	for _, broker := range brokers {
		u, err := url.Parse(broker)
		if err != nil {
			return fmt.Errorf("cannot parse broker URI: %w", err)
		}
		if !brokerSchemes[u.Scheme] || u.Host == "" {
			return agency.NewInvalidArgumentError(config.FlagNameBroker, broker)
		}
	}
	return nil
}
