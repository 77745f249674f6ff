package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/deepsight/agency"
	"github.com/deepsight/agency/internal/api"
	"github.com/deepsight/agency/internal/http"
	"github.com/urfave/cli/v2"
)

// fetchStatus queries the status route of the API served at base.
func fetchStatus(ctx context.Context, client *http.Client, base string) (*api.Status, error) {
	resp, err := client.Get(ctx, strings.TrimSuffix(base, "/")+"/api/v1/status", nil)
	if err != nil {
		return nil, err
	}

	var status api.Status
	if err := json.Unmarshal(resp.Body, &status); err != nil {
		return nil, fmt.Errorf("cannot decode status: %w", err)
	}

	return &status, nil
}

func writeStatus(w io.Writer, status *api.Status) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "MQTT\t%v\n", status.MQTT)
	if len(status.Endpoints) == 0 {
		fmt.Fprintf(tw, "ENDPOINTS\t-\n")
	} else {
		fmt.Fprintf(tw, "ENDPOINTS\t%v\n", strings.Join(status.Endpoints, ", "))
	}
	return tw.Flush()
}

func statusAction(c *cli.Context) error {
	client := http.NewHTTPClient(nil, agency.ShortName+"ctl/"+agency.Version, 10*time.Second)

	status, err := fetchStatus(c.Context, client, c.String("api"))
	if err != nil {
		return cli.Exit(err, 1)
	}

	if err := writeStatus(c.App.Writer, status); err != nil {
		return cli.Exit(err, 1)
	}

	return nil
}
