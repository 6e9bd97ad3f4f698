package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/termin-watch/internal/alert"
	"github.com/example/termin-watch/internal/appointments"
	"github.com/example/termin-watch/internal/auth"
	"github.com/example/termin-watch/internal/booking"
	"github.com/example/termin-watch/internal/captcha"
	"github.com/example/termin-watch/internal/catalog"
	"github.com/example/termin-watch/internal/crypto"
	"github.com/example/termin-watch/internal/logging"
	"github.com/example/termin-watch/internal/notify"
	"github.com/example/termin-watch/internal/scheduler"
	"github.com/example/termin-watch/internal/subscriptions"
	"github.com/example/termin-watch/internal/telegram"
	"github.com/example/termin-watch/internal/users"
	"github.com/example/termin-watch/internal/web"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServerCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the poller, the Telegram bot and the operator console",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireBot(); err != nil {
				return err
			}
			log := logging.For("server")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			d, err := openDB(ctx, cfg, migrateUp)
			if err != nil {
				return err
			}
			defer d.Close()

			api := newAPIClient(cfg)
			bot, err := telegram.NewBot(cfg.TelegramToken, logging.For("telegram"))
			if err != nil {
				return err
			}

			userRepo := users.NewRepo(d)
			subRepo := subscriptions.NewRepo(d)
			apptRepo := appointments.NewRepo(d)
			stats := scheduler.NewStats(time.Now())

			cat := catalog.New(api, cfg.PriorityOfficeIDs, cfg.DefaultOfficeID, logging.For("catalog"))
			if err := cat.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("initial catalog load failed, retrying on demand")
			}
			cron, err := cat.Schedule(ctx, cfg.CatalogRefreshCron)
			if err != nil {
				return err
			}
			defer cron.Stop()

			keeper := &captcha.Keeper{
				Source:   &captcha.Solver{API: api, Workers: cfg.SolverWorkers, Log: logging.For("captcha")},
				Lifetime: cfg.TokenLifetime,
				Log:      logging.For("credential"),
			}

			var sessionCipher booking.Cipher
			if len(cfg.SessionKey) > 0 {
				c, err := crypto.New(cfg.SessionKey)
				if err != nil {
					return fmt.Errorf("SESSION_ENCRYPTION_KEY: %w", err)
				}
				sessionCipher = c
			}
			sessions := booking.NewSessions(booking.NewPGStore(d, sessionCipher), cfg.SessionTTL, time.Now, logging.For("sessions"))
			conv := &booking.Conversation{
				Sessions:    sessions,
				Slots:       api,
				Credentials: keeper,
				Booker:      &booking.Booker{API: api, ServiceName: cat.ServiceName, Log: logging.For("booker")},
				Recorder:    stats,
				Log:         logging.For("conversation"),
			}

			dispatcher := &notify.Dispatcher{
				Messenger:   bot,
				Bookings:    sessions,
				Slots:       api,
				ServiceName: cat.ServiceName,
				Log:         logging.For("notify"),
			}
			defer dispatcher.Wait()

			alerts := alert.Multi{alert.Log{Logger: logging.For("alert")}}
			if cfg.AdminChatID != 0 {
				alerts = append(alerts, alert.Chat{Messenger: bot, ChatID: cfg.AdminChatID})
			}
			if cfg.Twilio.Enabled() {
				alerts = append(alerts, alert.NewSMS(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.From, cfg.Twilio.To))
			}
			if cfg.SendGrid.Enabled() {
				alerts = append(alerts, alert.NewEmail(cfg.SendGrid.APIKey, cfg.SendGrid.From, cfg.SendGrid.To))
			}

			sched := &scheduler.Scheduler{
				Subscriptions:    subRepo,
				Users:            userRepo,
				Credentials:      keeper,
				API:              api,
				Appointments:     apptRepo,
				Notifier:         dispatcher,
				Sessions:         sessions,
				Alerter:          alerts,
				Stats:            stats,
				Interval:         cfg.CheckInterval,
				FailureThreshold: cfg.FailureThreshold,
				SweepEvery:       cfg.SweepEvery,
				Log:              logging.For("scheduler"),
			}

			router := &telegram.Router{
				Messenger:     bot,
				Callbacks:     bot,
				Dialogue:      conv,
				Users:         userRepo,
				Subscriptions: subRepo,
				Catalog:       cat,
				Appointments:  apptRepo,
				Stats:         stats,
				Interval:      cfg.CheckInterval,
				Log:           logging.For("router"),
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return sched.Run(gctx) })
			g.Go(func() error { return bot.Run(gctx, router.Handle) })

			if cfg.ConsoleAddr != "" {
				console := &web.Server{
					Auth:          auth.NewStore(d, cfg.CookieHashKey, cfg.CookieBlockKey),
					Stats:         stats,
					Logs:          apptRepo,
					Users:         userRepo,
					Subscriptions: subRepo,
					ServiceName:   cat.ServiceName,
					DB:            d,
					Interval:      cfg.CheckInterval,
					Log:           logging.For("console"),
				}
				g.Go(func() error { return web.Start(gctx, cfg.ConsoleAddr, console.Routes(), logging.For("console")) })
			}

			log.Info().Dur("interval", cfg.CheckInterval).Bool("console", cfg.ConsoleAddr != "").Msg("terminwatch started")
			err = g.Wait()
			log.Info().Msg("shutting down")
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")

	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
