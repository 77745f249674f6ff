package main

import (
	"fmt"
	"os"
	"time"

	"git.sr.ht/~spc/go-log"
	"github.com/deepsight/agency"
	"github.com/deepsight/agency/internal/app"
	"github.com/deepsight/agency/internal/config"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("")

	a, err := app.NewApp(agency.ShortName+"ctl", flags())
	if err != nil {
		log.Fatal(err)
	}
	a.Usage = "control and exercise a running " + agency.ShortName + "d"
	a.Action = func(c *cli.Context) error {
		if ok, err := app.Generate(c); ok || err != nil {
			return err
		}
		return cli.ShowAppHelp(c)
	}
	a.Commands = []*cli.Command{
		{
			Name:        "dispatch",
			Usage:       "Publish a directive and print the result",
			UsageText:   fmt.Sprintf("%v dispatch --url URL [--method METHOD] [--data KEY=VALUE...]", a.Name),
			Description: "The dispatch command publishes a directive on the subscribe topic and waits for the matching message on the publish or error topic.",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "url",
					Aliases:  []string{"u"},
					Usage:    "Request `URL` of the directive",
					Required: true,
				},
				&cli.StringFlag{
					Name:    "method",
					Aliases: []string{"X"},
					Value:   "GET",
					Usage:   "HTTP `METHOD` of the directive",
				},
				&cli.StringSliceFlag{
					Name:    "data",
					Aliases: []string{"d"},
					Usage:   "Add `KEY=VALUE` to the directive data",
				},
				&cli.StringFlag{
					Name:  "data-json",
					Usage: "Use the JSON object `DATA` as the directive data",
				},
				&cli.DurationFlag{
					Name:  "timeout",
					Value: 30 * time.Second,
					Usage: "Give up after `DURATION` without a result",
				},
			},
			Action: dispatchAction,
		},
		{
			Name:  "relay",
			Usage: "Interact with relay endpoints",
			Subcommands: []*cli.Command{
				{
					Name:        "send",
					Usage:       "Send one JSON document to a relay endpoint",
					UsageText:   fmt.Sprintf("%v relay send --address ADDRESS JSON", a.Name),
					Description: "The send command connects to a listening relay endpoint, writes the document as one frame and prints every frame received until the wait duration elapses.",
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:     "address",
							Aliases:  []string{"a"},
							Usage:    "Connect to the endpoint at `ADDRESS`",
							Required: true,
						},
						&cli.DurationFlag{
							Name:  "wait",
							Value: 0,
							Usage: "Print received frames for `DURATION` after sending",
						},
					},
					Action: relaySendAction,
				},
			},
		},
		{
			Name:        "status",
			Usage:       "Print the status reported by the HTTP API",
			UsageText:   fmt.Sprintf("%v status --api URL", a.Name),
			Description: "The status command queries the HTTP API of a running daemon.",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "api",
					Value: "http://127.0.0.1:8080",
					Usage: "Query the API at `URL`",
				},
			},
			Action: statusAction,
		},
	}

	if err := a.Run(os.Args); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	defaults := config.DefaultConfig

	return append([]cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  config.FlagNameLogLevel,
			Value: "error",
			Usage: "Set the logging output level to `LEVEL`",
		}),
		altsrc.NewStringSliceFlag(&cli.StringSliceFlag{
			Name:  config.FlagNameBroker,
			Usage: "Connect to the MQTT broker at `URI`",
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  config.FlagNameUsername,
			Usage: "Authenticate to the broker as `USER`",
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  config.FlagNamePassword,
			Usage: "Authenticate to the broker with `PASSWORD`",
		}),
		altsrc.NewStringSliceFlag(&cli.StringSliceFlag{
			Name:  config.FlagNameSubscribeTopic,
			Value: cli.NewStringSlice(defaults.SubscribeTopics...),
			Usage: "Publish directives on the first `TOPIC`",
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  config.FlagNamePublishTopic,
			Value: defaults.PublishTopic,
			Usage: "Wait for results on `TOPIC`",
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  config.FlagNameErrorTopic,
			Value: defaults.ErrorTopic,
			Usage: "Wait for errors on `TOPIC`",
		}),
	}, app.GenerateFlags()...)
}
