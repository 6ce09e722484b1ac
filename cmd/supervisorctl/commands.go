package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
)

// component mirrors the API's component document.
type component struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	Image            string `json:"image"`
	InstalledVersion string `json:"installed_version"`
	DesiredVersion   string `json:"desired_version,omitempty"`
	State            string `json:"state"`
	Healthy          bool   `json:"healthy"`
	ContainerID      string `json:"container_id,omitempty"`
}

// jobStatus mirrors the API's job document.
type jobStatus struct {
	ID          string    `json:"id"`
	ComponentID string    `json:"component_id"`
	Action      string    `json:"action"`
	Status      string    `json:"status"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

type jobResponse struct {
	JobID string `json:"job_id"`
}

func listCmd() *cli.Command {
	var kind string
	var state string
	return &cli.Command{
		Name:  "list",
		Usage: "list managed components",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "kind",
				Usage:       "filter by component kind (core, plugin, addon)",
				Destination: &kind,
			},
			&cli.StringFlag{
				Name:        "state",
				Usage:       "filter by lifecycle state",
				Destination: &state,
			},
		},
		Action: func(ctx *cli.Context) error {
			path := "/v1/components"
			sep := "?"
			if kind != "" {
				path += sep + "kind=" + kind
				sep = "&"
			}
			if state != "" {
				path += sep + "state=" + state
			}
			var comps []component
			if err := clientFromCtx(ctx).get(path, &comps); err != nil {
				return err
			}
			printComponents(comps)
			return nil
		},
	}
}

func infoCmd() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "show a component's full document",
		ArgsUsage: "<component>",
		Action: func(ctx *cli.Context) error {
			id, err := requireArg(ctx, "component")
			if err != nil {
				return err
			}
			var doc json.RawMessage
			if err := clientFromCtx(ctx).get("/v1/components/"+id, &doc); err != nil {
				return err
			}
			return printJSON(doc)
		},
	}
}

func statsCmd() *cli.Command {
	return &cli.Command{
		Name:      "stats",
		Usage:     "show a component's resource usage",
		ArgsUsage: "<component>",
		Action: func(ctx *cli.Context) error {
			id, err := requireArg(ctx, "component")
			if err != nil {
				return err
			}
			var doc json.RawMessage
			if err := clientFromCtx(ctx).get("/v1/components/"+id+"/stats", &doc); err != nil {
				return err
			}
			return printJSON(doc)
		},
	}
}

func installCmd() *cli.Command {
	var wait bool
	return &cli.Command{
		Name:      "install",
		Usage:     "install a component from a manifest file (or - for stdin)",
		ArgsUsage: "<manifest.json>",
		Flags:     []cli.Flag{waitFlag(&wait)},
		Action: func(ctx *cli.Context) error {
			path, err := requireArg(ctx, "manifest")
			if err != nil {
				return err
			}
			var raw []byte
			if path == "-" {
				raw, err = io.ReadAll(os.Stdin)
			} else {
				raw, err = os.ReadFile(path)
			}
			if err != nil {
				return err
			}
			var manifest json.RawMessage = raw
			var resp jobResponse
			if err := clientFromCtx(ctx).post("/v1/components", manifest, &resp); err != nil {
				return err
			}
			return finishJob(ctx, resp.JobID, wait)
		},
	}
}

func actionCmd(action, usage string) *cli.Command {
	var wait bool
	return &cli.Command{
		Name:      action,
		Usage:     usage,
		ArgsUsage: "<component>",
		Flags:     []cli.Flag{waitFlag(&wait)},
		Action: func(ctx *cli.Context) error {
			id, err := requireArg(ctx, "component")
			if err != nil {
				return err
			}
			var resp jobResponse
			if err := clientFromCtx(ctx).post("/v1/components/"+id+"/"+action, nil, &resp); err != nil {
				return err
			}
			return finishJob(ctx, resp.JobID, wait)
		},
	}
}

func updateCmd() *cli.Command {
	var wait bool
	return &cli.Command{
		Name:      "update",
		Usage:     "update a component to a new version",
		ArgsUsage: "<component> <version>",
		Flags:     []cli.Flag{waitFlag(&wait)},
		Action: func(ctx *cli.Context) error {
			if ctx.Args().Len() != 2 {
				return fmt.Errorf("usage: update <component> <version>")
			}
			id, version := ctx.Args().Get(0), ctx.Args().Get(1)
			body := map[string]string{"version": version}
			var resp jobResponse
			if err := clientFromCtx(ctx).post("/v1/components/"+id+"/update", body, &resp); err != nil {
				return err
			}
			if resp.JobID == "" {
				fmt.Printf("%s is already at %s\n", id, version)
				return nil
			}
			return finishJob(ctx, resp.JobID, wait)
		},
	}
}

func jobsCmd() *cli.Command {
	return &cli.Command{
		Name:  "jobs",
		Usage: "list recent jobs",
		Action: func(ctx *cli.Context) error {
			var js []jobStatus
			if err := clientFromCtx(ctx).get("/v1/jobs", &js); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCOMPONENT\tACTION\tSTATUS\tDETAIL")
			for _, j := range js {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.ComponentID, j.Action, j.Status, j.Detail)
			}
			return tw.Flush()
		},
	}
}

func jobCmd() *cli.Command {
	var wait bool
	return &cli.Command{
		Name:      "job",
		Usage:     "show a job's status",
		ArgsUsage: "<job>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "wait",
				Usage:       "block until the job finishes",
				Destination: &wait,
			},
		},
		Action: func(ctx *cli.Context) error {
			id, err := requireArg(ctx, "job")
			if err != nil {
				return err
			}
			path := "/v1/jobs/" + id
			if wait {
				path += "?wait=1"
			}
			var j jobStatus
			if err := clientFromCtx(ctx).get(path, &j); err != nil {
				return err
			}
			printJob(j)
			return nil
		},
	}
}

func cancelCmd() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "cancel a queued or running job",
		ArgsUsage: "<job>",
		Action: func(ctx *cli.Context) error {
			id, err := requireArg(ctx, "job")
			if err != nil {
				return err
			}
			var j jobStatus
			if err := clientFromCtx(ctx).delete("/v1/jobs/"+id, &j); err != nil {
				return err
			}
			printJob(j)
			return nil
		},
	}
}

func waitFlag(dest *bool) cli.Flag {
	return &cli.BoolFlag{
		Name:        "wait",
		Usage:       "block until the queued job finishes",
		Destination: dest,
	}
}

func requireArg(ctx *cli.Context, name string) (string, error) {
	arg := ctx.Args().First()
	if arg == "" {
		return "", fmt.Errorf("%s argument is required", name)
	}
	return arg, nil
}

// finishJob prints the queued job ID, or blocks on it when wait is set.
func finishJob(ctx *cli.Context, jobID string, wait bool) error {
	if !wait {
		fmt.Println(jobID)
		return nil
	}
	var j jobStatus
	if err := clientFromCtx(ctx).get("/v1/jobs/"+jobID+"?wait=1", &j); err != nil {
		return err
	}
	printJob(j)
	if j.Status != "succeeded" {
		return fmt.Errorf("job %s %s", j.ID, j.Status)
	}
	return nil
}

func printJob(j jobStatus) {
	fmt.Printf("%s %s %s: %s", j.ID, j.ComponentID, j.Action, j.Status)
	if j.Detail != "" {
		fmt.Printf(" (%s)", j.Detail)
	}
	fmt.Println()
}

func printComponents(comps []component) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tVERSION\tSTATE\tHEALTHY")
	for _, c := range comps {
		version := c.InstalledVersion
		if c.DesiredVersion != "" {
			version += " -> " + c.DesiredVersion
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", c.ID, c.Kind, version, c.State, c.Healthy)
	}
	tw.Flush()
}

func printJSON(doc json.RawMessage) error {
	var buf any
	if err := json.Unmarshal(doc, &buf); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(buf)
}
