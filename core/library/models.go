package library

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/shule/core"
)

type Book struct {
	ID        string    `json:"id" bson:"_id"`
	Title     string    `json:"title" bson:"title"`
	Author    string    `json:"author" bson:"author"`
	Genre     string    `json:"genre" bson:"genre"`
	Copies    int       `json:"copies" bson:"copies"`
	Available int       `json:"available" bson:"available"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"` // UTC
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"` // UTC
}

// Loan records a Book lent to a borrower. Borrower name and email are
// denormalized so the ledger and overdue notices survive account edits.
type Loan struct {
	ID            string     `json:"id" bson:"_id"`
	BookID        string     `json:"book_id" bson:"book_id"`
	BookTitle     string     `json:"book_title" bson:"book_title"`
	BorrowerID    string     `json:"borrower_id" bson:"borrower_id"`
	BorrowerName  string     `json:"borrower_name" bson:"borrower_name"`
	BorrowerEmail string     `json:"borrower_email" bson:"borrower_email"`
	IssueDate     time.Time  `json:"issue_date" bson:"issue_date"` // UTC
	DueDate       time.Time  `json:"due_date" bson:"due_date"`     // UTC
	Returned      bool       `json:"returned" bson:"returned"`
	ReturnedAt    *time.Time `json:"returned_at,omitempty" bson:"returned_at,omitempty"` // UTC
	Fine          int        `json:"fine" bson:"fine"`
	FinePaid      int        `json:"fine_paid" bson:"fine_paid"`
}

// Overdue reports whether the loan is out past its due date at time t.
// The due date itself is not overdue.
func (l *Loan) Overdue(t time.Time) bool {
	return !l.Returned && overdueDays(l.DueDate, t) > 0
}

// NewBook contains information needed to add a Book to the catalogue.
// All copies start available.
type NewBook struct {
	Title  string `json:"title" validate:"required"`
	Author string `json:"author" validate:"required"`
	Genre  string `json:"genre"`
	Copies int    `json:"copies" validate:"required,min=1"`
}

func (nb *NewBook) Validate(validate *validator.Validate) error {
	nb.Title = core.CleanString(nb.Title)
	nb.Author = core.CleanString(nb.Author)
	nb.Genre = core.CleanString(nb.Genre)
	return validate.Struct(nb)
}

// UpdateBook defines what information may be provided to modify a Book.
// A Copies change shifts Available by the same delta, clamped to [0, Copies].
type UpdateBook struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	Genre  string `json:"genre"`
	Copies *int   `json:"copies" validate:"omitempty,min=1"`
}

func (ub *UpdateBook) Validate(origBook Book, validate *validator.Validate) error {
	title := core.CleanString(ub.Title)
	if title != "" {
		ub.Title = title
	} else {
		ub.Title = origBook.Title
	}

	author := core.CleanString(ub.Author)
	if author != "" {
		ub.Author = author
	} else {
		ub.Author = origBook.Author
	}

	genre := core.CleanString(ub.Genre)
	if genre != "" {
		ub.Genre = genre
	} else {
		ub.Genre = origBook.Genre
	}

	return validate.Struct(ub)
}

// IssueBook contains information needed to issue a Book to a borrower.
type IssueBook struct {
	BorrowerID    string    `json:"borrower_id" validate:"required"`
	BorrowerName  string    `json:"borrower_name"`
	BorrowerEmail string    `json:"borrower_email" validate:"omitempty,email"`
	DueDate       time.Time `json:"due_date" validate:"required"`
}

func (ib *IssueBook) Validate(validate *validator.Validate) error {
	ib.BorrowerID = core.CleanString(ib.BorrowerID)
	ib.BorrowerName = core.CleanString(ib.BorrowerName)
	ib.BorrowerEmail = core.CleanString(ib.BorrowerEmail, true /* lower */)
	return validate.Struct(ib)
}

// ReturnBook contains information needed to return an issued Loan.
type ReturnBook struct {
	FinePaid int `json:"fine_paid" validate:"min=0"`
}

func (rb ReturnBook) Validate(validate *validator.Validate) error { return validate.Struct(rb) }

// BookFilter applies AND on its set fields; Search does a case-insensitive
// match on one of Title, Author or Genre.
type BookFilter struct {
	Search        string `query:"search"`
	AvailableOnly bool   `query:"available"`
}

func (bf *BookFilter) Clean() {
	bf.Search = core.CleanString(bf.Search)
}

// LoanFilter applies AND on its set fields.
type LoanFilter struct {
	BorrowerID  string `query:"borrower"`
	Returned    *bool  `query:"returned"`
	OverdueOnly bool   `query:"overdue"`
}
