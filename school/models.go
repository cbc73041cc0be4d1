package school

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/saiset-co/sai-school/types"
)

const (
	TermActive   = "ACTIVE"
	TermInactive = "INACTIVE"

	StudentEnrolled  = "ENROLLED"
	StudentWithdrawn = "WITHDRAWN"

	dateLayout = "2006-01-02"
)

type Term struct {
	ID        string    `json:"id"`
	SchoolID  string    `json:"school_id"`
	Name      string    `json:"name"`
	StartDate string    `json:"start_date"`
	EndDate   string    `json:"end_date"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CreateTermInput struct {
	SchoolID  string `json:"school_id" validate:"required,max=64"`
	Name      string `json:"name" validate:"required,max=128"`
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"required,datetime=2006-01-02"`
}

type TermListOptions struct {
	Status string `json:"status,omitempty" validate:"omitempty,oneof=ACTIVE INACTIVE"`
	Limit  int    `json:"limit" validate:"min=0,max=200"`
	Offset int    `json:"offset" validate:"min=0"`
}

type Student struct {
	ID        string    `json:"id"`
	SchoolID  string    `json:"school_id"`
	ClassID   string    `json:"class_id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CreateStudentInput struct {
	SchoolID  string `json:"school_id" validate:"required,max=64"`
	ClassID   string `json:"class_id" validate:"required,max=64"`
	FirstName string `json:"first_name" validate:"required,max=128"`
	LastName  string `json:"last_name" validate:"required,max=128"`
	Email     string `json:"email" validate:"omitempty,email"`
}

// UpdateStudentInput changes only the fields that are set.
type UpdateStudentInput struct {
	ClassID   *string `json:"class_id,omitempty" validate:"omitempty,min=1,max=64"`
	FirstName *string `json:"first_name,omitempty" validate:"omitempty,min=1,max=128"`
	LastName  *string `json:"last_name,omitempty" validate:"omitempty,min=1,max=128"`
	Email     *string `json:"email,omitempty" validate:"omitempty,email"`
	Status    *string `json:"status,omitempty" validate:"omitempty,oneof=ENROLLED WITHDRAWN"`
}

type StudentListOptions struct {
	Status string `json:"status,omitempty" validate:"omitempty,oneof=ENROLLED WITHDRAWN"`
	Limit  int    `json:"limit" validate:"min=0,max=200"`
	Offset int    `json:"offset" validate:"min=0"`
}

const defaultPageSize = 50

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and reports failures as ErrInvalidParameter.
func Validate(input interface{}) error {
	if err := validate.Struct(input); err != nil {
		return types.Errorf(types.ErrInvalidParameter, "%v", err)
	}
	return nil
}

func (in CreateTermInput) validate() error {
	if err := Validate(in); err != nil {
		return err
	}
	start, _ := time.Parse(dateLayout, in.StartDate)
	end, _ := time.Parse(dateLayout, in.EndDate)
	if !end.After(start) {
		return types.Errorf(types.ErrInvalidParameter, "end_date %s must be after start_date %s", in.EndDate, in.StartDate)
	}
	return nil
}

func pageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	return limit
}
