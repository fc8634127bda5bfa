package library

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
)

var (
	// errors
	ErrBookNotFound    = errors.New("book not found")
	ErrLoanNotFound    = errors.New("loan not found")
	ErrNoCopies        = errors.New("no copies available")
	ErrAlreadyReturned = errors.New("loan already returned")

	nowFunc = time.Now // mockable
)

type (
	Repository interface {
		CreateBook(ctx context.Context, book Book) (Book, error)
		GetBook(ctx context.Context, id string) (Book, error)
		QueryBooks(ctx context.Context, filter *BookFilter) ([]Book, error)
		// UpdateBook saves set fields only; a copiesDelta != 0 shifts both
		// Copies and Available atomically, keeping 0 <= Available <= Copies.
		UpdateBook(ctx context.Context, book Book, copiesDelta int) (Book, error)

		// IssueLoan decrements the book's Available count and records the
		// loan as one conditional storage operation guarded by Available > 0.
		// Returns ErrBookNotFound or ErrNoCopies without mutating anything.
		IssueLoan(ctx context.Context, loan Loan) (Loan, error)
		GetLoan(ctx context.Context, id string) (Loan, error)
		QueryLoans(ctx context.Context, filter *LoanFilter) ([]Loan, error)
		// ReturnLoan flips the loan to returned and increments the book's
		// Available count, conditional on the loan not being returned yet.
		// Returns ErrLoanNotFound or ErrAlreadyReturned without mutating.
		ReturnLoan(ctx context.Context, loan Loan) (Loan, error)
	}

	ServiceInterface interface {
		CreateBook(ctx context.Context, nb NewBook) (Book, error)
		GetBook(ctx context.Context, id string) (Book, error)
		QueryBooks(ctx context.Context, filter *BookFilter) ([]Book, error)
		UpdateBook(ctx context.Context, id string, ub UpdateBook) (Book, error)

		Issue(ctx context.Context, bookID string, ib IssueBook) (Loan, error)
		Return(ctx context.Context, loanID string, rb ReturnBook) (Loan, error)
		GetLoan(ctx context.Context, id string) (Loan, error)
		QueryLoans(ctx context.Context, filter *LoanFilter) ([]Loan, error)
		QueryOverdueLoans(ctx context.Context) ([]Loan, error)
	}

	service struct {
		repo Repository
		conf *core.Config
	}
)

var _ ServiceInterface = (*service)(nil)

func NewService(repo Repository, conf *core.Config) ServiceInterface {
	return &service{
		repo: repo,
		conf: conf,
	}
}

func (svc *service) CreateBook(ctx context.Context, nb NewBook) (Book, error) {
	now := time.Now().UTC()
	book := Book{
		Title:     nb.Title,
		Author:    nb.Author,
		Genre:     nb.Genre,
		Copies:    nb.Copies,
		Available: nb.Copies,
		CreatedAt: now,
		UpdatedAt: now,
	}
	book, err := svc.repo.CreateBook(ctx, book)
	return book, errors.Wrap(err, "creating book")
}

func (svc *service) GetBook(ctx context.Context, id string) (Book, error) {
	return svc.repo.GetBook(ctx, id)
}

func (svc *service) QueryBooks(ctx context.Context, filter *BookFilter) ([]Book, error) {
	books, err := svc.repo.QueryBooks(ctx, filter)
	return books, errors.Wrap(err, "querying books")
}

func (svc *service) UpdateBook(ctx context.Context, id string, ub UpdateBook) (Book, error) {
	orig, err := svc.repo.GetBook(ctx, id)
	if err != nil {
		return Book{}, err
	}

	var copiesDelta int
	book := Book{
		ID:        id,
		Title:     ub.Title,
		Author:    ub.Author,
		Genre:     ub.Genre,
		UpdatedAt: time.Now().UTC(),
	}
	if ub.Copies != nil {
		book.Copies = *ub.Copies
		copiesDelta = *ub.Copies - orig.Copies
	}
	book, err = svc.repo.UpdateBook(ctx, book, copiesDelta)
	return book, errors.Wrap(err, "updating book")
}

// Issue lends a copy of the book to a borrower. The due date must be strictly
// after the issue date. Exactly one of two concurrent issues of the last
// available copy succeeds; the loser observes ErrNoCopies.
func (svc *service) Issue(ctx context.Context, bookID string, ib IssueBook) (Loan, error) {
	now := nowFunc().UTC()
	if !ib.DueDate.After(now) {
		return Loan{}, core.NewValidationError(nil, core.FieldError{Field: "due_date", Error: "due date must be after the issue date"})
	}

	book, err := svc.repo.GetBook(ctx, bookID)
	if err != nil {
		return Loan{}, err
	}

	loan := Loan{
		BookID:        book.ID,
		BookTitle:     book.Title,
		BorrowerID:    ib.BorrowerID,
		BorrowerName:  ib.BorrowerName,
		BorrowerEmail: ib.BorrowerEmail,
		IssueDate:     now,
		DueDate:       ib.DueDate.UTC(),
	}
	loan, err = svc.repo.IssueLoan(ctx, loan)
	switch errors.Cause(err) {
	case nil:
		return loan, nil
	case ErrNoCopies:
		return Loan{}, core.NewConflictError(ErrNoCopies)
	default:
		return Loan{}, err
	}
}

// Return closes out an issued loan: computes the fine, records the payment,
// marks the loan returned and releases the copy. A returned loan stays
// returned; a second call observes ErrAlreadyReturned.
func (svc *service) Return(ctx context.Context, loanID string, rb ReturnBook) (Loan, error) {
	loan, err := svc.repo.GetLoan(ctx, loanID)
	if err != nil {
		return Loan{}, err
	}
	if loan.Returned {
		return Loan{}, core.NewConflictError(ErrAlreadyReturned)
	}

	now := nowFunc().UTC()
	fine := ComputeFine(loan.DueDate, now, svc.conf.Library.FinePerDay)
	if rb.FinePaid > fine {
		return Loan{}, core.NewValidationError(nil, core.FieldError{Field: "fine_paid", Error: "fine payment exceeds the fine due"})
	}

	loan.Returned = true
	loan.ReturnedAt = &now
	loan.Fine = fine
	loan.FinePaid = rb.FinePaid

	loan, err = svc.repo.ReturnLoan(ctx, loan)
	switch errors.Cause(err) {
	case nil:
		return loan, nil
	case ErrAlreadyReturned:
		return Loan{}, core.NewConflictError(ErrAlreadyReturned)
	default:
		return Loan{}, err
	}
}

func (svc *service) GetLoan(ctx context.Context, id string) (Loan, error) {
	return svc.repo.GetLoan(ctx, id)
}

func (svc *service) QueryLoans(ctx context.Context, filter *LoanFilter) ([]Loan, error) {
	loans, err := svc.repo.QueryLoans(ctx, filter)
	return loans, errors.Wrap(err, "querying loans")
}

func (svc *service) QueryOverdueLoans(ctx context.Context) ([]Loan, error) {
	returned := false
	return svc.QueryLoans(ctx, &LoanFilter{Returned: &returned, OverdueOnly: true})
}

// ComputeFine charges finePerDay per full calendar day past the due date.
// Returning on the due date itself incurs no fine.
func ComputeFine(dueDate, returnedAt time.Time, finePerDay int) int {
	return overdueDays(dueDate, returnedAt) * finePerDay
}

func overdueDays(dueDate, at time.Time) int {
	due := dueDate.UTC().Truncate(24 * time.Hour)
	day := at.UTC().Truncate(24 * time.Hour)
	days := int(day.Sub(due).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}
