package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/aurora_downloader/internal/http/rest"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:  "auroractl",
		Usage: "control a running aurora_downloader",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "base URL of the downloader API",
				Value:   "http://127.0.0.1:9092",
				EnvVars: []string{"AURORA_SERVER"},
			},
			&cli.StringFlag{
				Name:    "username",
				Usage:   "API basic auth username",
				EnvVars: []string{"API_USERNAME"},
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "API basic auth password",
				EnvVars: []string{"API_PASSWORD"},
			},
		},
		Commands: []*cli.Command{{
			Name:      "add",
			Aliases:   []string{"get", "download"},
			Usage:     "queue a download",
			ArgsUsage: "URL",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "name",
					Usage: "file name to save as; guessed from the URL when empty",
				},
			},
			Action: withClient(func(client *rest.Client, ctx *cli.Context) error {
				if ctx.NArg() != 1 {
					return fmt.Errorf("expected exactly one URL, got %d arguments", ctx.NArg())
				}

				id, err := client.Add(ctx.Context, ctx.Args().First(), ctx.String("name"))
				if err != nil {
					return err
				}

				_, err = fmt.Fprintln(ctx.App.Writer, id)

				return err
			}),
		}, {
			Name:    "ls",
			Aliases: []string{"list"},
			Usage:   "list downloads, newest first",
			Action: withClient(func(client *rest.Client, ctx *cli.Context) error {
				items, err := client.List(ctx.Context)
				if err != nil {
					return err
				}

				return printDownloads(ctx.App.Writer, items)
			}),
		}, {
			Name:      "cancel",
			Aliases:   []string{"rm"},
			Usage:     "cancel a download",
			ArgsUsage: "ID",
			Action: withClient(func(client *rest.Client, ctx *cli.Context) error {
				if ctx.NArg() != 1 {
					return fmt.Errorf("expected exactly one download id, got %d arguments", ctx.NArg())
				}

				return client.Cancel(ctx.Context, ctx.Args().First())
			}),
		}, {
			Name:  "history",
			Usage: "show the persisted download history",
			Action: withClient(func(client *rest.Client, ctx *cli.Context) error {
				records, err := client.History(ctx.Context)
				if err != nil {
					return err
				}

				return printHistory(ctx.App.Writer, records, time.Now())
			}),
		}},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func withClient(f func(*rest.Client, *cli.Context) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		client := rest.NewClient(ctx.String("server"), ctx.String("username"), ctx.String("password"))

		return f(client, ctx)
	}
}

func printDownloads(w io.Writer, items []rest.DownloadResponse) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tSIZE\tNAME\tERROR")

	for _, item := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			item.ID, item.Status, humanize.FtoaWithDigits(item.Progress, 1)+"%", formatSize(item.TotalBytes), item.FileName, item.LastError)
	}

	return tw.Flush()
}

func printHistory(w io.Writer, records []rest.HistoryRecord, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "ID\tSTATUS\tSIZE\tNAME\tSTARTED\tFINISHED\tERROR")

	for _, rec := range records {
		finished := "-"
		if rec.FinishedAt != nil {
			finished = humanize.RelTime(*rec.FinishedAt, now, "ago", "from now")
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Status, formatSize(rec.TotalBytes), rec.FileName,
			humanize.RelTime(rec.CreatedAt, now, "ago", "from now"), finished, rec.LastError)
	}

	return tw.Flush()
}

func formatSize(n int64) string {
	if n < 0 {
		return "?"
	}

	return humanize.Bytes(uint64(n))
}
