package munich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
	_ "time/tzdata"
)

const bookingPage = "https://stadt.muenchen.de/buergerservice/terminvereinbarung.html#/services/%d/locations/%d"

// Location is the city's time zone; slot times are shown in it.
var Location = loadLocation()

func loadLocation() *time.Location {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		return time.FixedZone("CET", 3600)
	}
	return loc
}

// SlotTime renders a slot's unix timestamp as local HH:MM.
func SlotTime(ts int64) string {
	return time.Unix(ts, 0).In(Location).Format("15:04")
}

// BookingURL is the public page where a user can book the slot manually.
func BookingURL(serviceID, officeID int) string {
	return fmt.Sprintf(bookingPage, serviceID, officeID)
}

type Challenge struct {
	Algorithm string `json:"algorithm"`
	Challenge string `json:"challenge"`
	MaxNumber int64  `json:"maxnumber"`
	Salt      string `json:"salt"`
	Signature string `json:"signature"`
}

// DefaultMaxNumber bounds the search when a challenge omits maxnumber.
const DefaultMaxNumber = 10_000_000

func (c *Challenge) UnmarshalJSON(b []byte) error {
	type plain Challenge
	var raw struct {
		plain
		MaxNumber *int64 `json:"maxnumber"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*c = Challenge(raw.plain)
	c.MaxNumber = DefaultMaxNumber
	if raw.MaxNumber != nil {
		c.MaxNumber = *raw.MaxNumber
	}
	return nil
}

func (c *Client) CaptchaChallenge(ctx context.Context) (Challenge, error) {
	var ch Challenge
	err := c.getJSON(ctx, "captcha-challenge/", nil, &ch)
	return ch, err
}

type VerifyResponse struct {
	Meta struct {
		Success bool `json:"success"`
	} `json:"meta"`
	Data struct {
		Valid bool `json:"valid"`
	} `json:"data"`
	Token string `json:"token"`
}

// Accepted reports whether the server accepted the solution and issued a token.
func (v VerifyResponse) Accepted() bool {
	return v.Meta.Success && v.Data.Valid && v.Token != ""
}

// CaptchaVerify submits a base64-encoded solution payload.
func (c *Client) CaptchaVerify(ctx context.Context, payload string) (VerifyResponse, error) {
	var vr VerifyResponse
	err := c.postJSON(ctx, "captcha-verify/", map[string]string{"payload": payload}, &vr)
	return vr, err
}

type Service struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	MaxQuantity int    `json:"maxQuantity"`
}

type Office struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type Relation struct {
	ServiceID int   `json:"serviceId"`
	OfficeID  int   `json:"officeId"`
	Public    *bool `json:"public"`
}

// IsPublic treats a missing flag as public.
func (r Relation) IsPublic() bool {
	return r.Public == nil || *r.Public
}

type OfficesAndServices struct {
	Offices   []Office   `json:"offices"`
	Services  []Service  `json:"services"`
	Relations []Relation `json:"relations"`
}

func (c *Client) Services(ctx context.Context) ([]Service, error) {
	var out struct {
		Services []Service `json:"services"`
	}
	if err := c.getJSON(ctx, "services", nil, &out); err != nil {
		return nil, err
	}
	return out.Services, nil
}

func (c *Client) OfficesAndServices(ctx context.Context) (OfficesAndServices, error) {
	var out OfficesAndServices
	err := c.getJSON(ctx, "offices-and-services/", nil, &out)
	return out, err
}

type DaysQuery struct {
	StartDate string
	EndDate   string
	OfficeID  int
	ServiceID int
	Token     string
}

// AvailableDays returns the raw response body; its shape varies and is
// classified by the caller.
func (c *Client) AvailableDays(ctx context.Context, q DaysQuery) ([]byte, error) {
	params := url.Values{}
	params.Set("startDate", q.StartDate)
	params.Set("endDate", q.EndDate)
	params.Set("officeId", strconv.Itoa(q.OfficeID))
	params.Set("serviceId", strconv.Itoa(q.ServiceID))
	params.Set("serviceCount", "1")
	params.Set("captchaToken", q.Token)
	return c.Get(ctx, "available-days-by-office/", params)
}

type OfficeAppointments struct {
	OfficeID     int     `json:"officeId"`
	Appointments []int64 `json:"appointments"`
}

type Appointments struct {
	Offices []OfficeAppointments `json:"offices"`
}

// For returns the slot timestamps of officeID, falling back to the first
// office in the response when the id is not listed.
func (a Appointments) For(officeID int) []int64 {
	for _, o := range a.Offices {
		if o.OfficeID == officeID {
			return o.Appointments
		}
	}
	if len(a.Offices) > 0 {
		return a.Offices[0].Appointments
	}
	return nil
}

func (c *Client) AvailableAppointments(ctx context.Context, date string, officeID, serviceID int, token string) (Appointments, error) {
	params := url.Values{}
	params.Set("date", date)
	params.Set("officeId", strconv.Itoa(officeID))
	params.Set("serviceId", strconv.Itoa(serviceID))
	params.Set("serviceCount", "1")
	params.Set("captchaToken", token)
	var out Appointments
	err := c.getJSON(ctx, "available-appointments-by-office/", params, &out)
	return out, err
}

type ReserveRequest struct {
	Timestamp    int64  `json:"timestamp"`
	ServiceCount []int  `json:"serviceCount"`
	OfficeID     int    `json:"officeId"`
	ServiceID    []int  `json:"serviceId"`
	CaptchaToken string `json:"captchaToken"`
}

func NewReserveRequest(timestamp int64, officeID, serviceID int, token string) ReserveRequest {
	return ReserveRequest{
		Timestamp:    timestamp,
		ServiceCount: []int{1},
		OfficeID:     officeID,
		ServiceID:    []int{serviceID},
		CaptchaToken: token,
	}
}

// Reservation is the provisional hold. Timestamp and Scope are passed back
// verbatim in the follow-up calls.
type Reservation struct {
	ProcessID int64           `json:"processId"`
	AuthKey   string          `json:"authKey"`
	Timestamp json.RawMessage `json:"timestamp"`
	Scope     json.RawMessage `json:"scope"`
}

// ProviderName reads scope.provider.name.
func (r Reservation) ProviderName() string {
	var s struct {
		Provider struct {
			Name string `json:"name"`
		} `json:"provider"`
	}
	if len(r.Scope) == 0 || json.Unmarshal(r.Scope, &s) != nil {
		return ""
	}
	return s.Provider.Name
}

var ErrIncompleteReservation = errors.New("munich: reservation response lacks processId or authKey")

func (c *Client) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	var r Reservation
	if err := c.postJSON(ctx, "reserve-appointment/", req, &r); err != nil {
		return Reservation{}, err
	}
	if r.ProcessID == 0 || r.AuthKey == "" {
		return Reservation{}, ErrIncompleteReservation
	}
	return r, nil
}

// AppointmentUpdate carries the citizen's details for a held slot. The same
// body is used for update and preconfirm; only Status differs.
type AppointmentUpdate struct {
	ProcessID        int64           `json:"processId"`
	Timestamp        json.RawMessage `json:"timestamp"`
	AuthKey          string          `json:"authKey"`
	FamilyName       string          `json:"familyName"`
	CustomTextfield  string          `json:"customTextfield"`
	CustomTextfield2 string          `json:"customTextfield2"`
	Email            string          `json:"email"`
	Telephone        string          `json:"telephone"`
	OfficeName       string          `json:"officeName"`
	OfficeID         int             `json:"officeId"`
	Scope            json.RawMessage `json:"scope"`
	SubRequestCounts []int           `json:"subRequestCounts"`
	ServiceID        int             `json:"serviceId"`
	ServiceName      string          `json:"serviceName"`
	ServiceCount     int             `json:"serviceCount"`
	Status           string          `json:"status"`
	CaptchaToken     string          `json:"captchaToken"`
	SlotCount        int             `json:"slotCount"`
}

// NewAppointmentUpdate builds the update body for a reservation.
func NewAppointmentUpdate(r Reservation, officeID, serviceID int, serviceName, name, email string) AppointmentUpdate {
	return AppointmentUpdate{
		ProcessID:        r.ProcessID,
		Timestamp:        r.Timestamp,
		AuthKey:          r.AuthKey,
		FamilyName:       name,
		Email:            email,
		OfficeName:       r.ProviderName(),
		OfficeID:         officeID,
		Scope:            r.Scope,
		SubRequestCounts: []int{},
		ServiceID:        serviceID,
		ServiceName:      serviceName,
		ServiceCount:     1,
		SlotCount:        1,
	}
}

// ErrEmptyResult is returned when a booking step answers without content.
var ErrEmptyResult = errors.New("munich: empty result")

func (c *Client) UpdateAppointment(ctx context.Context, u AppointmentUpdate) (json.RawMessage, error) {
	u.Status = "reserved"
	return c.bookingStep(ctx, "update-appointment/", u)
}

func (c *Client) PreconfirmAppointment(ctx context.Context, u AppointmentUpdate) (json.RawMessage, error) {
	u.Status = "preconfirmed"
	return c.bookingStep(ctx, "preconfirm-appointment/", u)
}

func (c *Client) bookingStep(ctx context.Context, endpoint string, u AppointmentUpdate) (json.RawMessage, error) {
	b, err := c.Post(ctx, endpoint, u)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(b)
	switch string(trimmed) {
	case "", "null", "{}", "[]":
		return nil, fmt.Errorf("%w from %s", ErrEmptyResult, endpoint)
	}
	return json.RawMessage(trimmed), nil
}
