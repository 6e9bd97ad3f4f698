package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/example/termin-watch/internal/captcha"
	"github.com/example/termin-watch/internal/logging"
	"github.com/spf13/cobra"
)

func newCaptchaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "captcha",
		Short: "Captcha proof-of-work tools",
	}
	cmd.AddCommand(newCaptchaSolveCmd())
	return cmd
}

func newCaptchaSolveCmd() *cobra.Command {
	var workers int

	c := &cobra.Command{
		Use:   "solve",
		Short: "Fetch a challenge, solve it, verify it and print the resulting token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if workers <= 0 {
				workers = cfg.SolverWorkers
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			api := newAPIClient(cfg)
			ch, err := api.CaptchaChallenge(ctx)
			if err != nil {
				return err
			}
			sol, err := captcha.Solve(ctx, ch, workers)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "solved number=%d maxnumber=%d took=%dms workers=%d\n", sol.Number, ch.MaxNumber, sol.Took, workers)

			keeper := &captcha.Keeper{
				Source:   &staticSolution{solver: &captcha.Solver{API: api, Workers: workers, Log: logging.For("captcha")}, sol: sol},
				Lifetime: cfg.TokenLifetime,
				Log:      logging.For("credential"),
			}
			cred, _, err := keeper.Ensure(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "token=%s\nexpires_at=%s\n", cred.Token, cred.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}

	c.Flags().IntVar(&workers, "workers", 0, "parallel search workers (default SOLVER_WORKERS)")
	return c
}

// staticSolution verifies an already computed solution instead of fetching
// a new challenge.
type staticSolution struct {
	solver *captcha.Solver
	sol    captcha.Solution
}

func (s *staticSolution) FreshToken(ctx context.Context) (string, error) {
	return s.solver.Verify(ctx, s.sol)
}
