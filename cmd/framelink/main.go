// Program framelink demonstrates and inspects frame exchange between a host
// process and a renderer process.
package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/framelink"
	"github.com/creachadair/framelink/internal/config"
	"github.com/gogpu/gg"
)

var flags struct {
	Config  string `flag:"config,Configuration file (YAML)"`
	Verbose bool   `flag:"v,Enable verbose logging"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Exchange rendered frames between processes.

The host command creates a view and starts a renderer process that draws
frames into a shared stream. The encode and decode commands convert between
message records and their text form.`,

		SetFlags: command.Flags(flax.MustBind, &flags),
		Init: func(env *command.Env) error {
			if flags.Verbose {
				lg := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
				framelink.SetLogger(lg)
				gg.SetLogger(lg)
			}
			return nil
		},

		Commands: []*command.C{
			{
				Name:     "host",
				Usage:    "[flags]",
				Help:     "Host a view and display frames from a renderer.",
				SetFlags: command.Flags(flax.MustBind, &hostFlags),
				Run:      runHost,
			},
			{
				Name:     "render",
				Usage:    "[flags]",
				Help:     "Render frames for a host on an inherited channel.",
				SetFlags: command.Flags(flax.MustBind, &renderFlags),
				Run:      runRender,
			},
			{
				Name:  "encode",
				Usage: "<code> [state]",
				Help: `Encode a message record and print it in hexadecimal.

The code is a message code number or one of the names:

  available  : FrameAvailable
  complete   : FrameComplete
  fd         : StreamFileDescriptor (declares one handle)
  state      : StreamState, with a state name or number

The states are waiting, connected, and error.`,
				Run: runEncode,
			},
			{
				Name:  "decode",
				Usage: "<hex>",
				Help:  "Decode a hexadecimal message record and print it.",
				Run:   runDecode,
			},
			{
				Name: "config",
				Help: "Print the effective configuration.",
				Run: func(env *command.Env) error {
					cfg, err := config.Load(flags.Config)
					if err != nil {
						return err
					}
					data, err := cfg.Encode()
					if err != nil {
						return err
					}
					os.Stdout.Write(data)
					return nil
				},
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}
