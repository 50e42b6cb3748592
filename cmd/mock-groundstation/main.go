// Command mock-groundstation emulates a ground station: it connects to the
// gateway websocket with a locally minted token and logs every dispatch it
// receives.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/satops/gateway"
	"github.com/signalsfoundry/satops/internal/logging"
)

type options struct {
	url    string
	id     int
	secret string
	ttl    time.Duration
	retry  time.Duration
}

func main() {
	// A missing .env is fine; flags and the environment still apply.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logging.NewFromEnv()
	if err := newRootCmd(log).ExecuteContext(ctx); err != nil {
		log.Error(ctx, "mock ground station failed", logging.Err(err))
		os.Exit(1)
	}
}

func newRootCmd(log logging.Logger) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "mock-groundstation",
		Short:         "Emulate a ground station against the satops gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().IntVar(&opts.id, "id", 1, "ground station ID placed in the token's sub claim")
	root.PersistentFlags().StringVar(&opts.secret, "secret", envOr("SATOPS_STATION_SECRET", "mock-station"), "HS256 key used to sign the token")
	root.PersistentFlags().DurationVar(&opts.ttl, "ttl", time.Hour, "token lifetime")

	connect := &cobra.Command{
		Use:   "connect",
		Short: "Hold a gateway connection and log received transmissions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return connectLoop(cmd.Context(), log.With(logging.Int("ground_station_id", opts.id)), opts)
		},
	}
	connect.Flags().StringVar(&opts.url, "url", envOr("SATOPS_GATEWAY_URL", "ws://localhost:8080/api/v1/gs/ws"), "gateway websocket URL")
	connect.Flags().DurationVar(&opts.retry, "retry", 5*time.Second, "delay before reconnecting; 0 exits on disconnect")

	token := &cobra.Command{
		Use:   "token",
		Short: "Print a handshake token for the station",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tok, err := gateway.StationToken(opts.id, []byte(opts.secret), time.Now(), opts.ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}

	root.AddCommand(connect, token)
	return root
}

func connectLoop(ctx context.Context, log logging.Logger, opts *options) error {
	for {
		err := session(ctx, log, opts)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.Warn(ctx, "session ended", logging.Err(err))
		}
		if opts.retry <= 0 {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(opts.retry):
		}
	}
}

func session(ctx context.Context, log logging.Logger, opts *options) error {
	token, err := gateway.StationToken(opts.id, []byte(opts.secret), time.Now(), opts.ttl)
	if err != nil {
		return err
	}
	st, err := gateway.DialStation(ctx, opts.url, token)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = st.Close() })
	defer stop()
	defer st.Close()

	log.Info(ctx, "connected to gateway", logging.String("url", opts.url))
	for {
		env, script, err := st.Receive(ctx)
		if err != nil {
			if errors.Is(err, gateway.ErrClosed) {
				log.Info(ctx, "gateway closed the connection")
				return nil
			}
			return err
		}
		log.Info(ctx, "received scheduled transmission",
			logging.String("dispatch_request_id", env.RequestID),
			logging.String("satellite", env.Data.Satellite),
			logging.String("execution_time", env.Data.Time),
			logging.String("flight_plan_id", env.Data.FlightPlanID),
			logging.Int("statements", len(script)),
		)
		for i, stmt := range script {
			log.Debug(ctx, "statement", logging.Int("index", i), logging.String("csh", stmt))
		}
	}
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
