// Package enrollment consumes "purchase confirmed" facts from the payment
// collaborator and turns them into course enrollments.
//
// The same purchase may arrive twice: once from the synchronous confirmation
// call and once from the payment webhook, in either order and possibly at the
// same time. The store holds a unique (account, course) constraint and the
// service treats a collision as the idempotent no-op.
package enrollment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/warp/token-ledger/ledger"
)

// ErrAlreadyEnrolled is returned by stores when (account, course) exists.
var ErrAlreadyEnrolled = errors.New("already enrolled")

type Enrollment struct {
	ID        string
	AccountID ledger.AccountID
	CourseID  string
	PaymentID string
	CreatedAt time.Time
}

// Purchase is the payment collaborator's "purchase confirmed" fact.
type Purchase struct {
	AccountID ledger.AccountID
	CourseID  string
	PaymentID string
}

func (p Purchase) Validate() error {
	switch {
	case p.AccountID == "":
		return &ledger.ValidationError{Field: "userId", Message: "required"}
	case p.CourseID == "":
		return &ledger.ValidationError{Field: "courseId", Message: "required"}
	case p.PaymentID == "":
		return &ledger.ValidationError{Field: "paymentId", Message: "required"}
	}
	return nil
}

type Store interface {
	// CreateEnrollment inserts e or returns ErrAlreadyEnrolled.
	CreateEnrollment(ctx context.Context, e Enrollment) error
	Enrollment(ctx context.Context, account ledger.AccountID, course string) (Enrollment, error)
	ListEnrollments(ctx context.Context, account ledger.AccountID) ([]Enrollment, error)
}

type Service struct {
	Store Store
	Now   func() time.Time
	NewID func() string
	Log   zerolog.Logger
}

func NewService(store Store, log zerolog.Logger) *Service {
	return &Service{
		Store: store,
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: uuid.NewString,
		Log:   log.With().Str("component", "enrollment").Logger(),
	}
}

// ConfirmPurchase enrolls the account in the course once. A repeated
// confirmation returns the existing enrollment with already=true.
func (s *Service) ConfirmPurchase(ctx context.Context, p Purchase) (Enrollment, bool, error) {
	if err := p.Validate(); err != nil {
		return Enrollment{}, false, err
	}
	e := Enrollment{
		ID:        s.NewID(),
		AccountID: p.AccountID,
		CourseID:  p.CourseID,
		PaymentID: p.PaymentID,
		CreatedAt: s.Now(),
	}
	err := s.Store.CreateEnrollment(ctx, e)
	if errors.Is(err, ErrAlreadyEnrolled) {
		existing, err := s.Store.Enrollment(ctx, p.AccountID, p.CourseID)
		if err != nil {
			return Enrollment{}, false, err
		}
		if existing.PaymentID != p.PaymentID {
			s.Log.Warn().Str("account_id", string(p.AccountID)).Str("course_id", p.CourseID).
				Str("payment_id", p.PaymentID).Str("enrolled_with", existing.PaymentID).
				Msg("second payment for an existing enrollment")
		}
		return existing, true, nil
	}
	if err != nil {
		return Enrollment{}, false, err
	}
	s.Log.Info().Str("account_id", string(p.AccountID)).Str("course_id", p.CourseID).Msg("enrolled")
	return e, false, nil
}

func (s *Service) List(ctx context.Context, account ledger.AccountID) ([]Enrollment, error) {
	return s.Store.ListEnrollments(ctx, account)
}
