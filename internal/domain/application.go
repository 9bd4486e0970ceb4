/**
 * @description
 * Core domain models for the application-service: scholarships as read from the
 * catalog, the Application record produced by a confirmed checkout, and the
 * DTOs used by the moderation and self-service endpoints.
 *
 * @notes
 * - Fees are decimal currency amounts as published by the catalog. The amount
 *   actually charged is kept separately in minor units (cents) as `int64`.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ApplicationStatus is the moderator-driven lifecycle state of an application.
type ApplicationStatus string

const (
	StatusPending    ApplicationStatus = "pending"
	StatusProcessing ApplicationStatus = "processing"
	StatusCompleted  ApplicationStatus = "completed"
	StatusRejected   ApplicationStatus = "rejected"
)

// Valid reports whether s is one of the known lifecycle states.
func (s ApplicationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusRejected:
		return true
	}
	return false
}

// PaymentStatus records the outcome of the checkout that produced the row.
type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

// Scholarship is the read-only catalog view used during checkout.
// Absent fees are represented by an invalid NullDecimal.
type Scholarship struct {
	ID                uuid.UUID           `json:"id"`
	Name              string              `json:"scholarship_name"`
	UniversityName    string              `json:"university_name"`
	UniversityCountry string              `json:"university_country"`
	DegreeName        string              `json:"degree"`
	SubjectCategory   string              `json:"subject_category"`
	ApplicationFee    decimal.NullDecimal `json:"application_fees"`
	ServiceCharge     decimal.NullDecimal `json:"service_charge"`
}

// Applicant is the identity snapshot denormalized onto an application.
type Applicant struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// Application maps to the `applications` table.
type Application struct {
	ID                uuid.UUID         `json:"id"`
	ScholarshipID     uuid.UUID         `json:"scholarship_id"`
	ScholarshipName   string            `json:"scholarship_name"`
	UniversityName    string            `json:"university_name"`
	UniversityCountry string            `json:"university_country"`
	DegreeName        string            `json:"degree"`
	SubjectCategory   string            `json:"subject_category"`
	UserID            string            `json:"user_id"`
	ApplicantEmail    string            `json:"applicant_email"`
	ApplicantName     string            `json:"applicant_name"`
	ApplicationFee    decimal.Decimal   `json:"application_fees"`
	ServiceCharge     decimal.Decimal   `json:"service_charge"`
	AmountPaid        int64             `json:"amount_paid"` // in cents
	Currency          string            `json:"currency"`
	PaymentStatus     PaymentStatus     `json:"payment_status"`
	ApplicationStatus ApplicationStatus `json:"application_status"`
	Feedback          *string           `json:"feedback,omitempty"`
	TransactionRef    string            `json:"transaction_id"`
	ApplicationDate   time.Time         `json:"application_date"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// ApplicationDraft is everything needed to create an Application once a
// payment has been confirmed. It is stored verbatim on the checkout attempt.
type ApplicationDraft struct {
	Scholarship    Scholarship     `json:"scholarship"`
	Applicant      Applicant       `json:"applicant"`
	ApplicationFee decimal.Decimal `json:"application_fee"`
	ServiceCharge  decimal.Decimal `json:"service_charge"`
	AmountPaid     int64           `json:"amount_paid"`
	Currency       string          `json:"currency"`
	TransactionRef string          `json:"transaction_id"`
}

// ToApplication builds the record inserted by the store. Every row created
// through checkout is paid and starts pending.
func (d ApplicationDraft) ToApplication() Application {
	return Application{
		ScholarshipID:     d.Scholarship.ID,
		ScholarshipName:   d.Scholarship.Name,
		UniversityName:    d.Scholarship.UniversityName,
		UniversityCountry: d.Scholarship.UniversityCountry,
		DegreeName:        d.Scholarship.DegreeName,
		SubjectCategory:   d.Scholarship.SubjectCategory,
		UserID:            d.Applicant.UserID,
		ApplicantEmail:    d.Applicant.Email,
		ApplicantName:     d.Applicant.Name,
		ApplicationFee:    d.ApplicationFee,
		ServiceCharge:     d.ServiceCharge,
		AmountPaid:        d.AmountPaid,
		Currency:          d.Currency,
		PaymentStatus:     PaymentPaid,
		ApplicationStatus: StatusPending,
		TransactionRef:    d.TransactionRef,
	}
}

// ApplicantFieldsUpdate is the student self-edit payload. Nil fields are left untouched.
type ApplicantFieldsUpdate struct {
	ApplicantName  *string `json:"applicant_name"`
	ApplicantEmail *string `json:"applicant_email"`
}

// Empty reports whether the update carries no changes.
func (u ApplicantFieldsUpdate) Empty() bool {
	return u.ApplicantName == nil && u.ApplicantEmail == nil
}

// ListApplicationsOptions filters the moderator listing.
type ListApplicationsOptions struct {
	Status *ApplicationStatus
	Limit  int
	Offset int
}

// StatusUpdateRequest is the DTO for a single moderator status change.
type StatusUpdateRequest struct {
	Status ApplicationStatus `json:"status"`
}

// FeedbackRequest is the DTO for attaching moderator feedback.
type FeedbackRequest struct {
	Feedback string `json:"feedback"`
}
