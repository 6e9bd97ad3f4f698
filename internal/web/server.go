package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/termin-watch/internal/appointments"
	"github.com/example/termin-watch/internal/auth"
	"github.com/example/termin-watch/internal/munich"
	"github.com/example/termin-watch/internal/scheduler"
	"github.com/example/termin-watch/internal/subscriptions"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

//go:embed templates/*.html
var fs embed.FS

type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (int64, error)
	SetSession(w http.ResponseWriter, r *http.Request, operatorID int64) error
	ClearSession(w http.ResponseWriter)
	RequireAuth(next http.Handler) http.Handler
}

type LogSource interface {
	Recent(ctx context.Context, limit int) ([]appointments.Log, error)
}

type UserCounter interface {
	Count(ctx context.Context) (int, error)
}

type SubscriptionSource interface {
	All(ctx context.Context) ([]subscriptions.Subscription, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the operator console.
type Server struct {
	Auth          Authenticator
	Stats         *scheduler.Stats
	Logs          LogSource
	Users         UserCounter
	Subscriptions SubscriptionSource
	ServiceName   func(serviceID int) string
	DB            Pinger
	Interval      time.Duration
	Now           func() time.Time
	Log           zerolog.Logger
}

type statusView struct {
	Snapshot      scheduler.Snapshot
	Uptime        string
	SuccessRate   string
	Users         int
	Targets       int
	NextCheck     string
	LastCheck     string
	LastSuccess   string
	Subscriptions []subscriptions.Subscription
}

type logView struct {
	FoundAt string
	Service string
	Office  int
	Days    int
}

type tmplData struct {
	Title    string
	Operator int64
	Flash    string
	Status   statusView
	Logs     []logView
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/login", s.handleLogin).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/logout", s.handleLogout).Methods(http.MethodGet, http.MethodPost)

	authed := r.PathPrefix("/").Subrouter()
	authed.Use(s.Auth.RequireAuth)
	authed.HandleFunc("/", s.handleHome).Methods(http.MethodGet)
	authed.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	authed.HandleFunc("/api/stats", s.handleStatsJSON).Methods(http.MethodGet)

	return handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.Log}))(
		handlers.CombinedLoggingHandler(accessLog{s.Log}, r))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.DB.Ping(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.OperatorIDFromContext(r.Context())
	view, err := s.status(r.Context())
	if err != nil {
		s.Log.Error().Err(err).Msg("build status view")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.render(w, "templates/status.html", tmplData{Title: "Status", Operator: id, Status: view})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.OperatorIDFromContext(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.Logs.Recent(r.Context(), limit)
	if err != nil {
		s.Log.Error().Err(err).Msg("load appointment logs")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	views := make([]logView, 0, len(rows))
	for _, l := range rows {
		views = append(views, logView{
			FoundAt: l.FoundAt.In(munich.Location).Format("02.01.2006 15:04:05"),
			Service: s.serviceName(l.ServiceID),
			Office:  l.OfficeID,
			Days:    countDays(l.Data),
		})
	}
	s.render(w, "templates/logs.html", tmplData{Title: "Appointment log", Operator: id, Logs: views})
}

func (s *Server) handleStatsJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.Stats.Snapshot()
	now := s.now()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"started_at":           snap.StartedAt,
		"uptime_seconds":       int64(snap.Uptime(now).Seconds()),
		"total_checks":         snap.TotalChecks,
		"successful_checks":    snap.SuccessfulChecks,
		"failed_checks":        snap.FailedChecks,
		"success_rate":         snap.SuccessRate(),
		"appointments_found":   snap.AppointmentsFound,
		"consecutive_failures": snap.ConsecutiveFailure,
		"last_check":           nullableTime(snap.LastCheck),
		"last_success":         nullableTime(snap.LastSuccess),
		"bookings_started":     snap.BookingsStarted,
		"bookings_completed":   snap.BookingsCompleted,
		"bookings_failed":      snap.BookingsFailed,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		s.render(w, "templates/login.html", tmplData{Title: "Login"})
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	username := strings.TrimSpace(r.FormValue("username"))
	id, err := s.Auth.Authenticate(r.Context(), username, r.FormValue("password"))
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			s.Log.Error().Err(err).Msg("authenticate operator")
		}
		w.WriteHeader(http.StatusUnauthorized)
		s.render(w, "templates/login.html", tmplData{Title: "Login", Flash: "Invalid username/password"})
		return
	}
	if err := s.Auth.SetSession(w, r, id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.Log.Info().Str("username", username).Msg("operator logged in")
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Auth.ClearSession(w)
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (s *Server) status(ctx context.Context) (statusView, error) {
	now := s.now()
	snap := s.Stats.Snapshot()
	users, err := s.Users.Count(ctx)
	if err != nil {
		return statusView{}, err
	}
	subs, err := s.Subscriptions.All(ctx)
	if err != nil {
		return statusView{}, err
	}
	v := statusView{
		Snapshot:      snap,
		Uptime:        snap.Uptime(now).Truncate(time.Second).String(),
		SuccessRate:   strconv.FormatFloat(snap.SuccessRate(), 'f', 1, 64) + "%",
		Users:         users,
		Targets:       len(subscriptions.GroupByServiceOffice(subs)),
		LastCheck:     formatTime(snap.LastCheck),
		LastSuccess:   formatTime(snap.LastSuccess),
		NextCheck:     "-",
		Subscriptions: subs,
	}
	if !snap.LastCheck.IsZero() && s.Interval > 0 {
		v.NextCheck = formatTime(snap.LastCheck.Add(s.Interval))
	}
	return v, nil
}

func (s *Server) serviceName(id int) string {
	if s.ServiceName != nil {
		return s.ServiceName(id)
	}
	return strconv.Itoa(id)
}

func (s *Server) render(w http.ResponseWriter, name string, data tmplData) {
	t, err := template.ParseFS(fs,
		"templates/base.html",
		name,
	)
	if err != nil {
		http.Error(w, "template error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := t.ExecuteTemplate(w, "base", data); err != nil {
		http.Error(w, "render error: "+err.Error(), http.StatusInternalServerError)
	}
}

func countDays(raw json.RawMessage) int {
	var obj struct {
		AvailableDays []json.RawMessage `json:"availableDays"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.AvailableDays != nil {
		return len(obj.AvailableDays)
	}
	var list []json.RawMessage
	if json.Unmarshal(raw, &list) == nil {
		return len(list)
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.In(munich.Location).Format("02.01.2006 15:04:05")
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

type accessLog struct{ log zerolog.Logger }

func (a accessLog) Write(p []byte) (int, error) {
	a.log.Debug().Msg(strings.TrimSpace(string(p)))
	return len(p), nil
}

type recoveryLogger struct{ log zerolog.Logger }

func (r recoveryLogger) Println(v ...interface{}) {
	r.log.Error().Interface("panic", v).Msg("http handler panicked")
}

// Start serves h on addr until ctx is cancelled.
func Start(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("console listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
