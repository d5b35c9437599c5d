// Command relaysmoke drives a running relay through a push scenario and a
// poll scenario modelled on the acceptance scenarios of spec.md §8 and
// reports pass/fail, for use against a freshly deployed instance.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	flagAddr    string
	flagTimeout string
)

var rootCmd = &cobra.Command{
	Use:   "relaysmoke",
	Short: "Exercise a running relay's push and poll transports end to end",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", "localhost:3001", "relay host:port")
	rootCmd.PersistentFlags().StringVar(&flagTimeout, "timeout", "5s", "per-step timeout")
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pollCmd)
	rootCmd.AddCommand(allCmd)
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run both the push and poll scenarios",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runPushScenario(cmd); err != nil {
			return fmt.Errorf("push scenario: %w", err)
		}
		if err := runPollScenario(cmd); err != nil {
			return fmt.Errorf("poll scenario: %w", err)
		}
		fmt.Println("relaysmoke: all scenarios passed")
		return nil
	},
}
