package tests

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/trezcool/shule/core/library"
	"github.com/trezcool/shule/core/user"
	testutil "github.com/trezcool/shule/tests"
)

func Test_libraryApi_books(t *testing.T) {
	student := testutil.CreateUser(t, usrRepo, "Lib Student", "lstud1", "lstud@test.cd", "", []string{user.RoleStudent}, true)
	librarian := testutil.CreateUser(t, usrRepo, "Lib Keeper", "lkeep1", "lkeep@test.cd", "", []string{user.RoleLibrarian}, true)

	studentToken := getToken(t, student)
	librarianToken := getToken(t, librarian)

	t.Run("auth required", func(t *testing.T) {
		req, rec := newRequest(http.MethodGet, "/api/library/books")
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, httpTest{wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)}, rec)
	})

	t.Run("students cannot add books", func(t *testing.T) {
		body := marchallObj(t, library.NewBook{Title: "Sneaky Copy", Author: "Me", Copies: 1})
		req, rec := newAuthRequest(http.MethodPost, "/api/library/books", studentToken, body)
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, httpTest{wantCode: http.StatusForbidden, wantData: marchallObj(t, errForbidden)}, rec)
	})

	var book library.Book
	t.Run("librarian adds a book", func(t *testing.T) {
		body := marchallObj(t, library.NewBook{Title: "Half of a Yellow Sun", Author: "Chimamanda Ngozi Adichie", Genre: "Fiction", Copies: 2})
		req, rec := newAuthRequest(http.MethodPost, "/api/library/books", librarianToken, body)
		app.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusCreated, rec.Code)

		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &book))
		assert.Equal(t, 2, book.Copies)
		assert.Equal(t, 2, book.Available)
	})

	t.Run("copies must be positive", func(t *testing.T) {
		body := marchallObj(t, library.NewBook{Title: "No Copies", Author: "Me", Copies: 0})
		req, rec := newAuthRequest(http.MethodPost, "/api/library/books", librarianToken, body)
		app.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("students browse the catalogue", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, "/api/library/books?search=yellow+sun", studentToken)
		app.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)

		var books []library.Book
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &books))
		if assert.Len(t, books, 1) {
			assert.Equal(t, book.ID, books[0].ID)
		}
	})

	t.Run("librarian updates copies", func(t *testing.T) {
		copies := 4
		body := marchallObj(t, library.UpdateBook{Copies: &copies})
		req, rec := newAuthRequest(http.MethodPut, "/api/library/books/"+book.ID, librarianToken, body)
		app.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)

		var updated library.Book
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
		assert.Equal(t, 4, updated.Copies)
		assert.Equal(t, 4, updated.Available)
	})

	t.Run("unknown book", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, "/api/library/books/nope", studentToken)
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, httpTest{wantCode: http.StatusNotFound, wantData: marchallObj(t, errNotFound)}, rec)
	})
}

func Test_libraryApi_issueAndReturn(t *testing.T) {
	borrower := testutil.CreateUser(t, usrRepo, "Busy Reader", "reader1", "reader@test.cd", "", []string{user.RoleStudent}, true)
	librarian := testutil.CreateUser(t, usrRepo, "Issue Keeper", "ikeep1", "ikeep@test.cd", "", []string{user.RoleLibrarian}, true)
	book := testutil.CreateBook(t, libRepo, "Purple Hibiscus", "Chimamanda Ngozi Adichie", "Fiction", 1)

	borrowerToken := getToken(t, borrower)
	librarianToken := getToken(t, librarian)
	issuePath := fmt.Sprintf("/api/library/%s/issue", book.ID)
	dueDate := time.Now().UTC().Add(14 * 24 * time.Hour)

	t.Run("students cannot issue", func(t *testing.T) {
		body := marchallObj(t, library.IssueBook{BorrowerID: borrower.ID, DueDate: dueDate})
		req, rec := newAuthRequest(http.MethodPost, issuePath, borrowerToken, body)
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, httpTest{wantCode: http.StatusForbidden, wantData: marchallObj(t, errForbidden)}, rec)
	})

	t.Run("past due date refused", func(t *testing.T) {
		body := marchallObj(t, library.IssueBook{BorrowerID: borrower.ID, DueDate: time.Now().Add(-time.Hour)})
		req, rec := newAuthRequest(http.MethodPost, issuePath, librarianToken, body)
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, httpTest{
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"due_date": "due date must be after the issue date"}),
		}, rec)
	})

	var loan library.Loan
	t.Run("issue takes the copy", func(t *testing.T) {
		body := marchallObj(t, library.IssueBook{BorrowerID: borrower.ID, DueDate: dueDate})
		req, rec := newAuthRequest(http.MethodPost, issuePath, librarianToken, body)
		app.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)

		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loan))
		assert.Equal(t, book.ID, loan.BookID)
		assert.Equal(t, borrower.ID, loan.BorrowerID)
		assert.Equal(t, borrower.Name, loan.BorrowerName)   // backfilled from the account
		assert.Equal(t, borrower.Email, loan.BorrowerEmail) // backfilled from the account
		assert.False(t, loan.Returned)
	})

	t.Run("unknown borrower without contact details", func(t *testing.T) {
		body := marchallObj(t, library.IssueBook{BorrowerID: "nope", DueDate: dueDate})
		req, rec := newAuthRequest(http.MethodPost, issuePath, librarianToken, body)
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, httpTest{wantCode: http.StatusNotFound, wantData: marchallObj(t, errNotFound)}, rec)
	})

	t.Run("no copies left", func(t *testing.T) {
		body := marchallObj(t, library.IssueBook{BorrowerID: borrower.ID, DueDate: dueDate})
		req, rec := newAuthRequest(http.MethodPost, issuePath, librarianToken, body)
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, httpTest{
			wantCode: http.StatusConflict,
			wantData: marchallObj(t, httpErr{Error: library.ErrNoCopies.Error()}),
		}, rec)
	})

	t.Run("return releases the copy", func(t *testing.T) {
		body := marchallObj(t, library.ReturnBook{})
		req, rec := newAuthRequest(http.MethodPost, "/api/library/return/"+loan.ID, librarianToken, body)
		app.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)

		var returned library.Loan
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &returned))
		assert.True(t, returned.Returned)
		assert.Equal(t, 0, returned.Fine) // returned before the due date

		req, rec = newAuthRequest(http.MethodGet, "/api/library/books/"+book.ID, librarianToken)
		app.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		var refreshed library.Book
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refreshed))
		assert.Equal(t, 1, refreshed.Available)
	})

	t.Run("a loan only returns once", func(t *testing.T) {
		body := marchallObj(t, library.ReturnBook{})
		req, rec := newAuthRequest(http.MethodPost, "/api/library/return/"+loan.ID, librarianToken, body)
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, httpTest{
			wantCode: http.StatusConflict,
			wantData: marchallObj(t, httpErr{Error: library.ErrAlreadyReturned.Error()}),
		}, rec)
	})

	t.Run("unknown loan", func(t *testing.T) {
		body := marchallObj(t, library.ReturnBook{})
		req, rec := newAuthRequest(http.MethodPost, "/api/library/return/nope", librarianToken, body)
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, httpTest{wantCode: http.StatusNotFound, wantData: marchallObj(t, errNotFound)}, rec)
	})
}

func Test_libraryApi_loans(t *testing.T) {
	reader := testutil.CreateUser(t, usrRepo, "Loan Reader", "loanr1", "loanr@test.cd", "", []string{user.RoleStudent}, true)
	nosy := testutil.CreateUser(t, usrRepo, "Nosy Reader", "nosy01", "nosy@test.cd", "", []string{user.RoleStudent}, true)
	librarian := testutil.CreateUser(t, usrRepo, "Loan Keeper", "loank1", "loank@test.cd", "", []string{user.RoleLibrarian}, true)
	book := testutil.CreateBook(t, libRepo, "Americanah", "Chimamanda Ngozi Adichie", "Fiction", 2)

	readerLoan := testutil.CreateLoan(t, libRepo, book, reader, time.Now().Add(14*24*time.Hour))
	nosyLoan := testutil.CreateLoan(t, libRepo, book, nosy, time.Now().Add(14*24*time.Hour))

	loanIDs := func(t *testing.T, body []byte) []string {
		t.Helper()
		var loans []library.Loan
		assert.NoError(t, json.Unmarshal(body, &loans))
		ids := make([]string, 0, len(loans))
		for _, l := range loans {
			ids = append(ids, l.ID)
		}
		return ids
	}

	t.Run("students only see their own loans", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, "/api/library/loans", getToken(t, reader))
		app.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{readerLoan.ID}, loanIDs(t, rec.Body.Bytes()))

		// the borrower filter cannot be abused to see someone else's loans
		req, rec = newAuthRequest(http.MethodGet, "/api/library/loans?borrower="+nosy.ID, getToken(t, reader))
		app.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{readerLoan.ID}, loanIDs(t, rec.Body.Bytes()))
	})

	t.Run("staff see the whole ledger", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, "/api/library/loans", getToken(t, librarian))
		app.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Subset(t, loanIDs(t, rec.Body.Bytes()), []string{readerLoan.ID, nosyLoan.ID})
	})

	t.Run("loan detail is private", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, "/api/library/loans/"+nosyLoan.ID, getToken(t, reader))
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, httpTest{wantCode: http.StatusNotFound, wantData: marchallObj(t, errNotFound)}, rec)

		req, rec = newAuthRequest(http.MethodGet, "/api/library/loans/"+nosyLoan.ID, getToken(t, nosy))
		app.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
