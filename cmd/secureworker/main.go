package main

import (
	"fmt"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"os"
	"time"
)

func main() {
	err := newApp().Run(os.Args)
	if err != nil {
		fmt.Println("error: " + err.Error())
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "secureworker",
		Usage: "run an enclave worker and attest its quotes",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable development logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "start an enclave and relay JSON messages between it and stdin/stdout",
				Flags: []cli.Flag{
					configFlag(true),
					&cli.BoolFlag{
						Name:  "simulate",
						Usage: "use the in-process enclave simulator instead of Nitro Enclaves",
					},
					&cli.DurationFlag{
						Name:  "drain",
						Usage: "how long to keep relaying replies after stdin is closed",
						Value: time.Second,
					},
				},
				Action: run,
			},
			{
				Name:  "quote",
				Usage: "produce a simulated report and turn it into a quote",
				Flags: []cli.Flag{
					configFlag(false),
					&cli.StringFlag{
						Name:  "report-data",
						Usage: "hex encoded data (at most 64 bytes) to bind into the report",
					},
					&cli.StringFlag{
						Name:  "spid",
						Usage: "hex encoded service provider ID, overrides the config file",
					},
					&cli.BoolFlag{
						Name:  "linkable",
						Usage: "request a linkable quote",
					},
					&cli.StringFlag{
						Name:     "out",
						Aliases:  []string{"o"},
						Usage:    "write the quote to `FILE`",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "dump",
						Usage: "print the quote structure",
					},
				},
				Action: quote,
			},
			{
				Name:  "attest",
				Usage: "submit a quote for remote attestation",
				Flags: []cli.Flag{
					configFlag(false),
					&cli.StringFlag{
						Name:     "quote",
						Aliases:  []string{"q"},
						Usage:    "read the quote from `FILE`",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "subscription-key",
						Usage:   "attestation service subscription key",
						EnvVars: []string{"IAS_SUBSCRIPTION_KEY"},
					},
					&cli.StringFlag{
						Name:  "url",
						Usage: "attestation service report endpoint",
					},
					&cli.StringFlag{
						Name:  "nonce",
						Usage: "nonce echoed back in the attestation statement",
					},
					&cli.StringFlag{
						Name:  "pse-manifest",
						Usage: "platform service enclave manifest to submit alongside the quote",
					},
					&cli.BoolFlag{
						Name:  "full-quote",
						Usage: "send the whole quote rather than only its quote data",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "give up on the attestation service after this long",
						Value: 30 * time.Second,
					},
					&cli.StringFlag{
						Name:    "out",
						Aliases: []string{"o"},
						Usage:   "write the attestation statement to `FILE` instead of stdout",
					},
				},
				Action: attest,
			},
		},
	}
}

func configFlag(required bool) cli.Flag {
	return &cli.StringFlag{
		Name:     "file",
		Aliases:  []string{"f"},
		Usage:    "worker configuration is defined in `FILE`",
		Required: required,
	}
}

func makeLogger(cliContext *cli.Context) (*zap.Logger, error) {
	if cliContext.Bool("debug") {
		return zap.NewDevelopment()
	}

	return zap.NewProduction()
}
