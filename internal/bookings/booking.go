package bookings

import (
	"crypto/rand"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/example/tourbook/internal/internaltypes"
)

type PaymentStatus string

const (
	PaymentPaid       PaymentStatus = "paid"
	PaymentAuthorized PaymentStatus = "authorized"
	PaymentFailed     PaymentStatus = "failed"
)

// PaymentResult is what the checkout's payment step produced. It is only
// recorded here; no money moves.
type PaymentResult struct {
	Reference   string        `json:"reference"`
	Status      PaymentStatus `json:"status"`
	AmountCents int64         `json:"amount_cents,omitempty"`
}

func (p PaymentResult) Validate() error {
	if strings.TrimSpace(p.Reference) == "" {
		return internaltypes.Invalid("payment.reference", "is required")
	}
	switch p.Status {
	case PaymentPaid, PaymentAuthorized:
		return nil
	case PaymentFailed:
		return internaltypes.Invalid("payment.status", "payment did not complete")
	}
	return internaltypes.Invalid("payment.status", fmt.Sprintf("unknown status %q", p.Status))
}

type GuestContact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// Customer is either a registered user or a guest, never both.
type Customer struct {
	UserID string        `json:"user_id,omitempty"`
	Guest  *GuestContact `json:"guest,omitempty"`
}

func (c Customer) Validate() error {
	hasUser := strings.TrimSpace(c.UserID) != ""
	switch {
	case hasUser && c.Guest != nil:
		return internaltypes.Invalid("customer", "give either user_id or guest contact, not both")
	case !hasUser && c.Guest == nil:
		return internaltypes.Invalid("customer", "user_id or guest contact is required")
	case hasUser:
		return nil
	}
	if strings.TrimSpace(c.Guest.Name) == "" {
		return internaltypes.Invalid("guest.name", "is required")
	}
	if _, err := mail.ParseAddress(c.Guest.Email); err != nil {
		return internaltypes.Invalid("guest.email", "is not a valid address")
	}
	return nil
}

// Booking is one party's reservation of one slot. It owns its per-stop
// RestaurantBookings and its event log.
type Booking struct {
	ID               string
	Reference        string
	RouteID          string
	SlotID           string
	HoldID           string
	PartySize        int
	Customer         Customer
	TotalCents       int64
	Currency         string
	Status           Status
	PaymentStatus    PaymentStatus
	PaymentReference string
	CancelReason     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CancelledAt      *time.Time
	Stops            []RestaurantBooking
}

type RestaurantBooking struct {
	ID                 string
	StopNumber         int
	RestaurantID       string
	RestaurantName     string
	DishID             string
	EstimatedArrival   time.Time
	EstimatedDeparture time.Time
	PartySize          int
	Status             Status
}

type Event struct {
	ID        int64
	BookingID string
	Type      string
	Actor     string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Notification is an outbox row written with the booking.
type Notification struct {
	ID         int64
	RoutingKey string
	Body       []byte
}

const referenceAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// NewReference returns a human-readable booking reference, "TB-" and eight
// Crockford base32 characters from crypto/rand.
func NewReference() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	out := make([]byte, 0, 11)
	out = append(out, "TB-"...)
	for _, c := range b {
		out = append(out, referenceAlphabet[c&31])
	}
	return string(out), nil
}
