package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/relaypoint/drip"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "drip",
		Usage: "operator cli for the dripd outreach daemon",

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				EnvVars: []string{"DRIP_HOST"},
				Value:   "http://localhost:8080",
				Usage:   "base url of the dripd api",
			},
			&cli.StringFlag{
				Name:    "key",
				EnvVars: []string{"DRIP_API_KEY"},
				Usage:   "api key, required if the daemon has DRIP_API_KEYS set",
			},
		},

		Commands: []*cli.Command{
			{
				Name:  "trigger",
				Usage: "run the scheduler once and print the run summary",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "action",
						Value: string(drip.ActionFull),
						Usage: "'full' includes quota resets and warmup recompute, 'send' only dispatches",
					},
				},
				Action: trigger,
			},
			{
				Name:   "summary",
				Usage:  "print the dashboard summary",
				Action: summary,
			},
			{
				Name:      "metrics",
				Usage:     "print the daily metrics row for a business day",
				ArgsUsage: "<yyyy-mm-dd>",
				Action:    dayMetrics,
			},
			{
				Name:      "add-domain",
				Usage:     "register a sending domain, warmup starts immediately",
				ArgsUsage: "<domain>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "production-limit", Value: 500},
				},
				Action: addDomain,
			},
			{
				Name:      "force-activate",
				Usage:     "skip the rest of a domain's warmup",
				ArgsUsage: "<domain-id>",
				Action:    forceActivate,
			},
			{
				Name:      "webhook",
				Usage:     "inject a lifecycle event, mostly for testing",
				ArgsUsage: "<reply|unsubscribe|bounce> <lead-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "event-id",
						Usage: "provider event id, generated when omitted",
					},
				},
				Action: webhook,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "got err", err)
		os.Exit(1)
	}
}

func client(c *cli.Context) *drip.Client {
	return drip.NewClient(c.String("key"), c.String("host"))
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func trigger(c *cli.Context) error {
	action := drip.Action(c.String("action"))
	sum, err := client(c).Trigger(c.Context, action)
	if err != nil {
		return err
	}
	return printJSON(sum)
}

func summary(c *cli.Context) error {
	s, err := client(c).Summary(c.Context)
	if err != nil {
		return err
	}
	return printJSON(s)
}

func dayMetrics(c *cli.Context) error {
	day := c.Args().First()
	if day == "" {
		return fmt.Errorf("a day on the form yyyy-mm-dd must be provided")
	}
	m, err := client(c).Metrics(c.Context, day)
	if err != nil {
		return err
	}
	return printJSON(m)
}

func addDomain(c *cli.Context) error {
	domain := strings.TrimSpace(c.Args().First())
	if domain == "" {
		return fmt.Errorf("a domain must be provided")
	}
	d, err := client(c).AddDomain(c.Context, domain, c.Int("production-limit"))
	if err != nil {
		return err
	}
	return printJSON(d)
}

func forceActivate(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return fmt.Errorf("a domain id must be provided")
	}
	return client(c).ForceActivate(c.Context, id)
}

func webhook(c *cli.Context) error {
	kind := drip.WebhookKind(c.Args().Get(0))
	leadID := c.Args().Get(1)
	if !kind.Valid() || leadID == "" {
		return fmt.Errorf("usage: drip webhook <reply|unsubscribe|bounce> <lead-id>")
	}
	eventID := c.String("event-id")
	if eventID == "" {
		eventID = uuid.New().String()
	}
	return client(c).Webhook(c.Context, drip.WebhookEvent{
		EventID: eventID,
		Kind:    kind,
		LeadID:  leadID,
	})
}
