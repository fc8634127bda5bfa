package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/trezcool/shule/core/library"
	"github.com/trezcool/shule/core/user"
)

func CreateUser(
	t *testing.T,
	repo user.Repository,
	name, uname, email, pwd string,
	roles []string,
	isActive bool,
	createdAt ...time.Time,
) user.User {
	t.Helper()

	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	usr := user.User{
		Name:      name,
		Username:  uname,
		Email:     email,
		Roles:     roles,
		CreatedAt: tstamp,
		UpdatedAt: tstamp,
	}
	usr.SetActive(isActive)
	if pwd != "" {
		if err := usr.SetPassword(pwd); err != nil {
			t.Fatalf("CreateUser() failed: %v", err)
		}
	}
	usr, err := repo.CreateUser(context.Background(), usr)
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	return usr
}

func CreateBook(
	t *testing.T,
	repo library.Repository,
	title, author, genre string,
	copies int,
) library.Book {
	t.Helper()

	now := time.Now().UTC()
	book, err := repo.CreateBook(context.Background(), library.Book{
		Title:     title,
		Author:    author,
		Genre:     genre,
		Copies:    copies,
		Available: copies,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateBook() failed: %v", err)
	}
	return book
}

func CreateLoan(
	t *testing.T,
	repo library.Repository,
	book library.Book,
	borrower user.User,
	dueDate time.Time,
) library.Loan {
	t.Helper()

	loan, err := repo.IssueLoan(context.Background(), library.Loan{
		BookID:        book.ID,
		BookTitle:     book.Title,
		BorrowerID:    borrower.ID,
		BorrowerName:  borrower.Name,
		BorrowerEmail: borrower.Email,
		IssueDate:     time.Now().UTC(),
		DueDate:       dueDate.UTC(),
	})
	if err != nil {
		t.Fatalf("CreateLoan() failed: %v", err)
	}
	return loan
}
