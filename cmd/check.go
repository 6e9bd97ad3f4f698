package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/example/termin-watch/internal/availability"
	"github.com/example/termin-watch/internal/captcha"
	"github.com/example/termin-watch/internal/logging"
	"github.com/example/termin-watch/internal/munich"
	"github.com/example/termin-watch/internal/users"
	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	var (
		serviceID int
		officeID  int
		start     string
		end       string
		raw       bool
	)

	c := &cobra.Command{
		Use:   "check",
		Short: "Query available days once for a service and office",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if officeID == 0 {
				officeID = cfg.DefaultOfficeID
			}
			dr := users.DefaultRange(time.Now())
			if start != "" || end != "" {
				if start == "" {
					start = dr.Start
				}
				if end == "" {
					end = dr.End
				}
				if dr, err = users.ParseRange(start, end); err != nil {
					return err
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			api := newAPIClient(cfg)
			solver := &captcha.Solver{API: api, Workers: cfg.SolverWorkers, Log: logging.For("captcha")}
			token, err := solver.FreshToken(ctx)
			if err != nil {
				return err
			}

			body, err := api.AvailableDays(ctx, munich.DaysQuery{
				StartDate: dr.Start,
				EndDate:   dr.End,
				OfficeID:  officeID,
				ServiceID: serviceID,
				Token:     token,
			})
			var res availability.Result
			if err != nil {
				res = availability.FromError(err)
			} else {
				res = availability.Classify(body)
			}

			fmt.Fprintf(os.Stdout, "service=%d office=%d range=%s..%s result=%s\n", serviceID, officeID, dr.Start, dr.End, res.Kind)
			switch res.Kind {
			case availability.Available:
				fmt.Fprintf(os.Stdout, "dates: %s\n", strings.Join(res.Dates(), ", "))
			case availability.Failed:
				fmt.Fprintf(os.Stdout, "error: %s: %s\n", res.Code, res.Message)
			}
			if raw && len(res.Raw) > 0 {
				fmt.Fprintf(os.Stdout, "%s\n", res.Raw)
			}
			fmt.Fprintf(os.Stdout, "book: %s\n", munich.BookingURL(serviceID, officeID))
			return nil
		},
	}

	c.Flags().IntVar(&serviceID, "service", 0, "service id")
	c.Flags().IntVar(&officeID, "office", 0, "office id (default DEFAULT_OFFICE_ID)")
	c.Flags().StringVar(&start, "start", "", "start date YYYY-MM-DD (default today)")
	c.Flags().StringVar(&end, "end", "", "end date YYYY-MM-DD (default today+60d)")
	c.Flags().BoolVar(&raw, "raw", false, "print the raw response body")
	_ = c.MarkFlagRequired("service")
	return c
}
