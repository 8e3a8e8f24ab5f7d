package main

import (
	"encoding/hex"
	"fmt"
	"github.com/davecgh/go-spew/spew"
	"github.com/go-edgebit/secureworker/layout"
	"github.com/spf13/cobra"
	"io"
	"os"
)

func main() {
	err := newRootCmd().Execute()
	if err != nil {
		fmt.Println("error: " + err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sgx-layout",
		Short:         "Extract fields from SGX reports and quotes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().Bool("dump", false, "dump the extracted field instead of printing hex")

	rootCmd.AddCommand(
		extractCmd("report-data", "Print the 64 bytes of report data carried by a report", layout.ReportData),
		extractCmd("quote-data", "Print the 64 bytes of quote data carried by a quote", layout.QuoteData),
	)

	return rootCmd
}

func extractCmd(use string, short string, extract func([]byte) ([]byte, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [FILE]",
		Short: short,
		Long:  short + ". Reads standard input when FILE is omitted or \"-\".",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buf, err := readInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			field, err := extract(buf)
			if err != nil {
				return err
			}

			dump, err := cmd.Flags().GetBool("dump")
			if err != nil {
				return err
			}

			if dump {
				spew.Fdump(cmd.OutOrStdout(), field)
				return nil
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(field))
			return err
		},
	}
}

func readInput(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(stdin)
	}

	return os.ReadFile(args[0])
}
