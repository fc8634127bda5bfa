package dummydb

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/shule/core/library"
)

// libraryRepository is an in-memory library.Repository for tests and local
// hacking. A single mutex covers both tables so the issue and return paths
// keep the same conditional semantics as the document store.
type libraryRepository struct {
	mutex sync.RWMutex
	books map[string]library.Book
	loans map[string]library.Loan
}

var _ library.Repository = (*libraryRepository)(nil)

func NewLibraryRepository() library.Repository {
	return &libraryRepository{
		books: make(map[string]library.Book),
		loans: make(map[string]library.Loan),
	}
}

func (repo *libraryRepository) CreateBook(ctx context.Context, book library.Book) (library.Book, error) {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	book.ID = uuid.New().String()
	repo.books[book.ID] = book
	return book, nil
}

func (repo *libraryRepository) GetBook(ctx context.Context, id string) (library.Book, error) {
	repo.mutex.RLock()
	defer repo.mutex.RUnlock()

	if book, ok := repo.books[id]; ok {
		return book, nil
	}
	return library.Book{}, library.ErrBookNotFound
}

func (repo *libraryRepository) QueryBooks(ctx context.Context, filter *library.BookFilter) ([]library.Book, error) {
	repo.mutex.RLock()
	defer repo.mutex.RUnlock()

	books := make([]library.Book, 0, len(repo.books))
	for _, book := range repo.books {
		if matchBook(book, filter) {
			books = append(books, book)
		}
	}
	sort.Slice(books, func(i, j int) bool { return books[i].Title < books[j].Title })
	return books, nil
}

func matchBook(book library.Book, filter *library.BookFilter) bool {
	if filter == nil {
		return true
	}
	if filter.Search != "" {
		search := strings.ToLower(filter.Search)
		if !strings.Contains(strings.ToLower(book.Title), search) &&
			!strings.Contains(strings.ToLower(book.Author), search) &&
			!strings.Contains(strings.ToLower(book.Genre), search) {
			return false
		}
	}
	if filter.AvailableOnly && book.Available <= 0 {
		return false
	}
	return true
}

func (repo *libraryRepository) UpdateBook(ctx context.Context, book library.Book, copiesDelta int) (library.Book, error) {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	orig, ok := repo.books[book.ID]
	if !ok {
		return library.Book{}, library.ErrBookNotFound
	}
	orig.UpdatedAt = book.UpdatedAt
	if book.Title != "" {
		orig.Title = book.Title
	}
	if book.Author != "" {
		orig.Author = book.Author
	}
	if book.Genre != "" {
		orig.Genre = book.Genre
	}
	if copiesDelta != 0 {
		orig.Copies = book.Copies
		orig.Available += copiesDelta
		if orig.Available < 0 {
			orig.Available = 0
		}
		if orig.Available > orig.Copies {
			orig.Available = orig.Copies
		}
	}
	repo.books[book.ID] = orig
	return orig, nil
}

func (repo *libraryRepository) IssueLoan(ctx context.Context, loan library.Loan) (library.Loan, error) {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	book, ok := repo.books[loan.BookID]
	if !ok {
		return library.Loan{}, library.ErrBookNotFound
	}
	if book.Available <= 0 {
		return library.Loan{}, library.ErrNoCopies
	}
	book.Available--
	book.UpdatedAt = time.Now().UTC()
	repo.books[book.ID] = book

	loan.ID = uuid.New().String()
	repo.loans[loan.ID] = loan
	return loan, nil
}

func (repo *libraryRepository) GetLoan(ctx context.Context, id string) (library.Loan, error) {
	repo.mutex.RLock()
	defer repo.mutex.RUnlock()

	if loan, ok := repo.loans[id]; ok {
		return loan, nil
	}
	return library.Loan{}, library.ErrLoanNotFound
}

func (repo *libraryRepository) QueryLoans(ctx context.Context, filter *library.LoanFilter) ([]library.Loan, error) {
	repo.mutex.RLock()
	defer repo.mutex.RUnlock()

	now := time.Now()
	loans := make([]library.Loan, 0, len(repo.loans))
	for _, loan := range repo.loans {
		if matchLoan(loan, filter, now) {
			loans = append(loans, loan)
		}
	}
	sort.Slice(loans, func(i, j int) bool { return loans[i].IssueDate.After(loans[j].IssueDate) })
	return loans, nil
}

func matchLoan(loan library.Loan, filter *library.LoanFilter, now time.Time) bool {
	if filter == nil {
		return true
	}
	if filter.BorrowerID != "" && loan.BorrowerID != filter.BorrowerID {
		return false
	}
	if filter.Returned != nil && loan.Returned != *filter.Returned {
		return false
	}
	if filter.OverdueOnly && !loan.Overdue(now) {
		return false
	}
	return true
}

func (repo *libraryRepository) ReturnLoan(ctx context.Context, loan library.Loan) (library.Loan, error) {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	orig, ok := repo.loans[loan.ID]
	if !ok {
		return library.Loan{}, library.ErrLoanNotFound
	}
	if orig.Returned {
		return library.Loan{}, library.ErrAlreadyReturned
	}
	orig.Returned = true
	orig.ReturnedAt = loan.ReturnedAt
	orig.Fine = loan.Fine
	orig.FinePaid = loan.FinePaid
	repo.loans[orig.ID] = orig

	if book, ok := repo.books[orig.BookID]; ok && book.Available < book.Copies {
		book.Available++
		book.UpdatedAt = time.Now().UTC()
		repo.books[book.ID] = book
	}
	return orig, nil
}
