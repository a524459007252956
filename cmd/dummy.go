package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"llmbench/internal/dummy"
	"llmbench/internal/logging"
)

var dummyProfile dummy.Profile

var dummyCmd = &cobra.Command{
	Use:   "dummy",
	Short: "Run a fake OpenAI-compatible streaming server for testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		if dummyProfile.FailureRate < 0 || dummyProfile.FailureRate > 1 {
			return fmt.Errorf("failure-rate must be within [0,1], got %g", dummyProfile.FailureRate)
		}

		log, err := logging.New(viper.GetString("log.level"), true)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return dummy.Serve(ctx, addr, dummyProfile, log)
	},
}

func init() {
	f := dummyCmd.Flags()
	f.String("addr", ":8000", "Listen address")
	f.DurationVar(&dummyProfile.FirstTokenDelay, "first-token-delay", 50*time.Millisecond, "Delay before the first token")
	f.DurationVar(&dummyProfile.InterTokenDelay, "inter-token-delay", 5*time.Millisecond, "Delay between tokens")
	f.IntVar(&dummyProfile.Tokens, "tokens", 32, "Tokens per response (capped by max_tokens)")
	f.Float64Var(&dummyProfile.FailureRate, "failure-rate", 0, "Fraction of requests answered with HTTP 500")
	f.IntVar(&dummyProfile.SpikeEvery, "spike-every", 0, "Every Nth request gets an extra delay")
	f.DurationVar(&dummyProfile.SpikeDelay, "spike-delay", 2*time.Second, "Extra delay for spiked requests")
	f.BoolVar(&dummyProfile.Hang, "hang", false, "Never answer")
	f.BoolVar(&dummyProfile.Malformed, "malformed", false, "Send a broken SSE stream")
	f.BoolVar(&dummyProfile.NoUsage, "no-usage", false, "Omit the usage chunk")
}
