package main

import (
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "supervisorctl",
		Usage: "control a running supervisor over its HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Usage:   "supervisor API address",
				Value:   "http://localhost:9123",
				EnvVars: []string{"SUPERVISOR_HOST"},
			},
		},
		Commands: []*cli.Command{
			listCmd(),
			infoCmd(),
			statsCmd(),
			installCmd(),
			actionCmd("start", "start a component"),
			actionCmd("stop", "stop a component"),
			actionCmd("restart", "restart a component"),
			actionCmd("remove", "remove a component"),
			actionCmd("rebuild", "recreate a component's container from its current image"),
			actionCmd("reset", "clear a component's error state"),
			updateCmd(),
			jobsCmd(),
			jobCmd(),
			cancelCmd(),
			watchCmd(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}
