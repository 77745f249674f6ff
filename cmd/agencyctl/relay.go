package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"git.sr.ht/~spc/go-log"
	"github.com/deepsight/agency/internal/app"
	"github.com/deepsight/agency/internal/config"
	"github.com/urfave/cli/v2"
)

// sendFrame connects to address, writes doc as a single newline-terminated
// frame and copies every frame received within wait to w.
func sendFrame(ctx context.Context, address string, doc []byte, wait time.Duration, w io.Writer) error {
	var frame bytes.Buffer
	if err := json.Compact(&frame, doc); err != nil {
		return fmt.Errorf("cannot parse document: %w", err)
	}
	frame.WriteByte('\n')

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write(frame.Bytes()); err != nil {
		return err
	}
	log.Debugf("sent to %v: %v", address, frame.String())

	if wait <= 0 {
		return nil
	}

	if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return err
	}
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if _, err := fmt.Fprintln(w, scanner.Text()); err != nil {
			return err
		}
	}
	var netErr net.Error
	if err := scanner.Err(); err != nil && !(errors.As(err, &netErr) && netErr.Timeout()) {
		return err
	}

	return nil
}

func relaySendAction(c *cli.Context) error {
	if err := app.SetupLogging(c.App.Name, c.String(config.FlagNameLogLevel)); err != nil {
		return cli.Exit(err, 1)
	}

	var doc []byte
	switch arg := c.Args().First(); arg {
	case "", "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return cli.Exit(err, 1)
		}
		doc = data
	default:
		doc = []byte(arg)
	}

	if err := sendFrame(c.Context, c.String("address"), doc, c.Duration("wait"), os.Stdout); err != nil {
		return cli.Exit(err, 1)
	}

	return nil
}
