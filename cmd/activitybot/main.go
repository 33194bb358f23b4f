package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"gitlab.com/meutraa/activitybot/pkg/bots"
	"go.uber.org/zap"
)

const envFile = ".env"

func main() {
	if err := run(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

func run() error {
	app := &cli.Command{
		Name:  "activitybot",
		Usage: "Twitch activity points, clips and leaderboards",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Connect to chat and serve the http api",
				Action: func(ctx context.Context, _ *cli.Command) error {
					s := Server{}
					defer s.Close()
					if err := s.Prepare(ctx, true); nil != err {
						return err
					}
					return s.Run(ctx)
				},
			},
			{
				Name:  "migrate",
				Usage: "Create or upgrade the database schema",
				Action: func(ctx context.Context, _ *cli.Command) error {
					s := Server{}
					defer s.Close()
					if err := s.PrepareStore(ctx); nil != err {
						return err
					}
					s.logger.Info("schema is up to date", zap.String("driver", s.db.Driver()))
					return nil
				},
			},
			{
				Name:      "end-month",
				Usage:     "Record the top scorers as winners and reset every balance",
				ArgsUsage: "[YYYY-MM]",
				Action:    endMonth,
			},
			{
				Name:  "bots",
				Usage: "Manage the bot blacklist",
				Commands: []*cli.Command{
					{
						Name:      "add",
						Usage:     "Blacklist a user",
						ArgsUsage: "<username> [reason...]",
						Action:    botAdd,
					},
					{
						Name:      "remove",
						Usage:     "Remove a user from the blacklist",
						ArgsUsage: "<username>",
						Action:    botRemove,
					},
					{
						Name:  "list",
						Usage: "Print the blacklist",
						Flags: []cli.Flag{
							&cli.IntFlag{
								Name:    "limit",
								Aliases: []string{"n"},
								Value:   100,
								Usage:   "Number of entries to print",
							},
						},
						Action: botList,
					},
					{
						Name:   "clean",
						Usage:  "Delete blacklist rows without a username",
						Action: botClean,
					},
					{
						Name:  "import",
						Usage: "Blacklist the publicly known bot accounts",
						Flags: []cli.Flag{
							&cli.IntFlag{
								Name:  "min-channels",
								Value: 100,
								Usage: "Only import bots seen in at least this many channels",
							},
							&cli.StringFlag{
								Name:  "url",
								Value: bots.KnownBotsURL,
								Usage: "Bot list to download",
							},
						},
						Action: botImport,
					},
				},
			},
		},
	}

	return app.Run(context.Background(), os.Args)
}

func endMonth(ctx context.Context, c *cli.Command) error {
	s := Server{}
	defer s.Close()
	if err := s.Prepare(ctx, false); nil != err {
		return err
	}

	month := s.board.PreviousMonth()
	if c.Args().Len() > 0 {
		month = c.Args().First()
	}
	winners, err := s.board.CloseMonth(ctx, month)
	if nil != err {
		return err
	}
	for i, w := range winners {
		fmt.Printf("%d. %s (%d points)\n", i+1, w.Username, w.Points)
	}
	fmt.Println("closed", month)
	return nil
}

func botAdd(ctx context.Context, c *cli.Command) error {
	if c.Args().Len() < 1 {
		return errors.New("usage: bots add <username> [reason...]")
	}
	s := Server{}
	defer s.Close()
	if err := s.PrepareStore(ctx); nil != err {
		return err
	}

	reason := strings.Join(c.Args().Slice()[1:], " ")
	if reason == "" {
		reason = "added from the command line"
	}
	entry, err := s.bots.Add(ctx, c.Args().First(), reason, "cli")
	if nil != err {
		return err
	}
	fmt.Println("blacklisted", entry.Username)
	return nil
}

func botRemove(ctx context.Context, c *cli.Command) error {
	if c.Args().Len() != 1 {
		return errors.New("usage: bots remove <username>")
	}
	s := Server{}
	defer s.Close()
	if err := s.PrepareStore(ctx); nil != err {
		return err
	}

	removed, err := s.bots.Remove(ctx, c.Args().First())
	if nil != err {
		return err
	}
	if !removed {
		fmt.Println(c.Args().First(), "is not blacklisted")
		return nil
	}
	fmt.Println("removed", bots.Normalize(c.Args().First()))
	return nil
}

func botList(ctx context.Context, c *cli.Command) error {
	s := Server{}
	defer s.Close()
	if err := s.PrepareStore(ctx); nil != err {
		return err
	}

	list, err := s.bots.List(ctx, int(c.Int("limit")))
	if nil != err {
		return err
	}
	for _, b := range list {
		fmt.Printf("%-25s %-10s %s %s\n", b.Username, b.AddedBy, time.UnixMilli(b.AddedAt).Format(time.DateOnly), b.Reason)
	}
	return nil
}

func botClean(ctx context.Context, _ *cli.Command) error {
	s := Server{}
	defer s.Close()
	if err := s.PrepareStore(ctx); nil != err {
		return err
	}

	n, err := s.bots.Cleanup(ctx)
	if nil != err {
		return err
	}
	fmt.Println("removed", n, "malformed rows")
	return nil
}

func botImport(ctx context.Context, c *cli.Command) error {
	s := Server{}
	defer s.Close()
	if err := s.PrepareStore(ctx); nil != err {
		return err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	list, err := bots.FetchKnownBots(ctx, client, c.String("url"))
	if nil != err {
		return err
	}
	n, err := s.bots.Import(ctx, bots.Names(list, int(c.Int("min-channels"))), "known bot list", "import")
	if nil != err {
		return err
	}
	fmt.Println("imported", n, "of", len(list), "known bots")
	return nil
}
