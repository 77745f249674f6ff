// Package app builds the command line applications shipped with agency.
package app

import (
	"fmt"
	"io"

	"git.sr.ht/~spc/go-log"
	"github.com/deepsight/agency"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
)

// NewApp creates a new cli Application with name, a "config" flag and flags.
// Flags created with altsrc are also read from the TOML file named by the
// "config" flag.
func NewApp(name string, flags []cli.Flag) (*cli.App, error) {
	app := cli.NewApp()
	app.Name = name
	app.Version = agency.Version
	app.EnableBashCompletion = true
	app.BashComplete = BashComplete

	defaultConfigFilePath, err := agency.ConfigPath()
	if err != nil {
		return nil, err
	}

	app.Flags = append([]cli.Flag{
		&cli.StringFlag{
			Name:      "config",
			Value:     defaultConfigFilePath,
			TakesFile: true,
			Usage:     "Read config values from `FILE`",
		},
	}, flags...)

	// This BeforeFunc will load flag values from a config file only if the
	// "config" flag value is non-zero.
	app.Before = func(c *cli.Context) error {
		if c.String("config") != "" {
			inputSource, err := altsrc.NewTomlSourceFromFlagFunc("config")(c)
			if err != nil {
				return err
			}
			return altsrc.ApplyInputSourceValues(c, inputSource, app.Flags)
		}
		return nil
	}

	return app, nil
}

// SetupLogging sets the global log level and prefix.
func SetupLogging(name string, level string) error {
	l, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(l)
	log.SetPrefix(fmt.Sprintf("[%v] ", name))

	return nil
}

// Generate prints the man page or markdown documentation of c's application
// when the corresponding flag is set, reporting whether it did.
func Generate(c *cli.Context) (bool, error) {
	var generate func() (string, error)
	switch {
	case c.Bool("generate-man-page"):
		generate = c.App.ToMan
	case c.Bool("generate-markdown"):
		generate = c.App.ToMarkdown
	default:
		return false, nil
	}

	data, err := generate()
	if err != nil {
		return true, err
	}
	fmt.Fprintln(c.App.Writer, data)
	return true, nil
}

// GenerateFlags are hidden flags that request documentation output.
func GenerateFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:   "generate-man-page",
			Hidden: true,
		},
		&cli.BoolFlag{
			Name:   "generate-markdown",
			Hidden: true,
		},
	}
}

// BashCompleteCommand prints all visible flag options for the given command,
// and then recursively calls itself on each subcommand.
func BashCompleteCommand(cmd *cli.Command, w io.Writer) {
	for _, name := range cmd.Names() {
		if _, err := fmt.Fprintf(w, "%v\n", name); err != nil {
			log.Errorf("cannot print command name: %v", err)
		}
	}

	PrintFlagNames(cmd.VisibleFlags(), w)

	for _, command := range cmd.Subcommands {
		BashCompleteCommand(command, w)
	}
}

// PrintFlagNames prints the long and short names of each flag in the slice.
func PrintFlagNames(flags []cli.Flag, w io.Writer) {
	for _, flag := range flags {
		for _, name := range flag.Names() {
			prefix := "--"
			if len(name) == 1 {
				prefix = "-"
			}
			if _, err := fmt.Fprintf(w, "%v%v\n", prefix, name); err != nil {
				log.Errorf("cannot print flag names: %v", err)
			}
		}
	}
}

// BashComplete prints all commands, subcommands and flags to the application
// writer.
func BashComplete(c *cli.Context) {
	for _, command := range c.App.VisibleCommands() {
		BashCompleteCommand(command, c.App.Writer)
	}
	PrintFlagNames(c.App.VisibleFlags(), c.App.Writer)
}
