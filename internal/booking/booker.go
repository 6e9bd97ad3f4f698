package booking

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/termin-watch/internal/munich"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ReservationAPI is the remote side of the three-step booking.
type ReservationAPI interface {
	Reserve(ctx context.Context, req munich.ReserveRequest) (munich.Reservation, error)
	UpdateAppointment(ctx context.Context, u munich.AppointmentUpdate) (json.RawMessage, error)
	PreconfirmAppointment(ctx context.Context, u munich.AppointmentUpdate) (json.RawMessage, error)
}

// StepError records which booking step failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("booking %s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// Request is everything needed to book one slot.
type Request struct {
	Timestamp int64
	OfficeID  int
	ServiceID int
	Token     string
	Name      string
	Email     string
}

type Confirmation struct {
	ProcessID int64
	Result    json.RawMessage
}

// Booker runs reserve, update and preconfirm in order and stops at the
// first failure. A hold that fails later is left to lapse on the server.
type Booker struct {
	API         ReservationAPI
	ServiceName func(serviceID int) string
	Log         zerolog.Logger
}

func (b *Booker) Book(ctx context.Context, req Request) (Confirmation, error) {
	log := b.Log.With().Str("attempt", uuid.NewString()).Int64("timestamp", req.Timestamp).
		Int("office_id", req.OfficeID).Int("service_id", req.ServiceID).Logger()

	res, err := b.API.Reserve(ctx, munich.NewReserveRequest(req.Timestamp, req.OfficeID, req.ServiceID, req.Token))
	if err != nil {
		log.Warn().Err(err).Msg("reserve failed")
		return Confirmation{}, &StepError{Step: "reserve", Err: err}
	}
	log = log.With().Int64("process_id", res.ProcessID).Logger()
	log.Info().Msg("slot reserved")

	var name string
	if b.ServiceName != nil {
		name = b.ServiceName(req.ServiceID)
	}
	u := munich.NewAppointmentUpdate(res, req.OfficeID, req.ServiceID, name, req.Name, req.Email)

	if _, err := b.API.UpdateAppointment(ctx, u); err != nil {
		log.Warn().Err(err).Msg("update failed")
		return Confirmation{}, &StepError{Step: "update", Err: err}
	}

	result, err := b.API.PreconfirmAppointment(ctx, u)
	if err != nil {
		log.Warn().Err(err).Msg("preconfirm failed")
		return Confirmation{}, &StepError{Step: "preconfirm", Err: err}
	}
	log.Info().Msg("appointment preconfirmed")
	return Confirmation{ProcessID: res.ProcessID, Result: result}, nil
}
