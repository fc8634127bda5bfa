package echoapi

import (
	"net/http"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/library"
	"github.com/trezcool/shule/core/user"
)

type libraryApi struct {
	svc        library.ServiceInterface
	usrSvc     user.ServiceInterface
	conf       *core.Config
	validate   *validator.Validate
	translator ut.Translator
}

// registerLibraryAPI mounts the catalogue and lending endpoints. Reading the
// catalogue only needs a login; issuing and returning is librarian work.
func registerLibraryAPI(g *echo.Group, jwt echo.MiddlewareFunc, opts *Options) {
	api := libraryApi{
		svc:        opts.LibrarySvc,
		usrSvc:     opts.UserSvc,
		conf:       opts.Conf,
		validate:   opts.Validate,
		translator: opts.Translator,
	}

	lg := g.Group("/library", jwt)

	bg := lg.Group("/books")
	bg.GET("", api.queryBooks)
	bg.POST("", api.createBook, librarianMiddleware())
	bg.GET("/:id", api.retrieveBook)
	bg.PUT("/:id", api.updateBook, librarianMiddleware())

	lg.POST("/:bookId/issue", api.issue, librarianMiddleware())
	lg.POST("/return/:loanId", api.returnLoan, librarianMiddleware())
	lg.GET("/loans", api.queryLoans)
	lg.GET("/loans/:id", api.retrieveLoan)
}

// Handlers

func (api *libraryApi) createBook(ctx echo.Context) error {
	var data library.NewBook
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewBook")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	book, err := api.svc.CreateBook(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating book")
	}
	return ctx.JSON(http.StatusCreated, book)
}

func (api *libraryApi) queryBooks(ctx echo.Context) error {
	filter := new(library.BookFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []library.Book{})
	}
	filter.Clean()

	books, err := api.svc.QueryBooks(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying books")
	}
	if books == nil {
		books = []library.Book{}
	}
	return ctx.JSON(http.StatusOK, books)
}

func (api *libraryApi) retrieveBook(ctx echo.Context) error {
	book, err := api.svc.GetBook(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		if errors.Cause(err) == library.ErrBookNotFound {
			return errHTTPNotFound
		}
		return errors.Wrap(err, "finding book by ID")
	}
	return ctx.JSON(http.StatusOK, book)
}

func (api *libraryApi) updateBook(ctx echo.Context) error {
	orig, err := api.svc.GetBook(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		if errors.Cause(err) == library.ErrBookNotFound {
			return errHTTPNotFound
		}
		return errors.Wrap(err, "finding book by ID")
	}

	var data library.UpdateBook
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateBook")
	}
	if err := data.Validate(orig, api.validate); err != nil {
		return err
	}

	book, err := api.svc.UpdateBook(ctx.Request().Context(), orig.ID, data)
	if err != nil {
		return errors.Wrap(err, "updating book")
	}
	return ctx.JSON(http.StatusOK, book)
}

// issue lends a copy of the book to the given borrower. The due date defaults
// to the configured loan period when omitted.
func (api *libraryApi) issue(ctx echo.Context) error {
	var data library.IssueBook
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to IssueBook")
	}
	if data.DueDate.IsZero() {
		data.DueDate = time.Now().UTC().Add(api.conf.Library.LoanPeriod)
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	// backfill borrower details from their account; walk-in borrowers must
	// supply both name and email explicitly
	usr, err := api.usrSvc.GetByID(ctx.Request().Context(), data.BorrowerID)
	switch {
	case err == nil:
		if data.BorrowerName == "" {
			data.BorrowerName = usr.Name
		}
		if data.BorrowerEmail == "" {
			data.BorrowerEmail = usr.Email
		}
	case errors.Cause(err) == user.ErrNotFound:
		if data.BorrowerName == "" || data.BorrowerEmail == "" {
			return errHTTPNotFound
		}
	default:
		return errors.Wrap(err, "finding borrower by ID")
	}

	loan, err := api.svc.Issue(ctx.Request().Context(), ctx.Param("bookId"), data)
	if err != nil {
		if errors.Cause(err) == library.ErrBookNotFound {
			return errHTTPNotFound
		}
		return err
	}
	return ctx.JSON(http.StatusOK, loan)
}

func (api *libraryApi) returnLoan(ctx echo.Context) error {
	var data library.ReturnBook
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ReturnBook")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	loan, err := api.svc.Return(ctx.Request().Context(), ctx.Param("loanId"), data)
	if err != nil {
		if errors.Cause(err) == library.ErrLoanNotFound {
			return errHTTPNotFound
		}
		return err
	}
	return ctx.JSON(http.StatusOK, loan)
}

// queryLoans lists loans; non-staff callers only ever see their own.
func (api *libraryApi) queryLoans(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	filter := new(library.LoanFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []library.Loan{})
	}
	if !(claims.IsAdmin || claims.IsLibrarian) {
		filter.BorrowerID = claims.Subject
	}

	loans, err := api.svc.QueryLoans(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying loans")
	}
	if loans == nil {
		loans = []library.Loan{}
	}
	return ctx.JSON(http.StatusOK, loans)
}

func (api *libraryApi) retrieveLoan(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	loan, err := api.svc.GetLoan(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		if errors.Cause(err) == library.ErrLoanNotFound {
			return errHTTPNotFound
		}
		return errors.Wrap(err, "finding loan by ID")
	}
	if !(claims.IsAdmin || claims.IsLibrarian || loan.BorrowerID == claims.Subject) {
		return errHTTPNotFound
	}
	return ctx.JSON(http.StatusOK, loan)
}
