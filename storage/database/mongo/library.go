package mongorepos

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/trezcool/shule/core/library"
	"github.com/trezcool/shule/storage/database"
)

type libraryRepository struct {
	books *mongo.Collection
	loans *mongo.Collection
}

var _ library.Repository = (*libraryRepository)(nil)

func NewLibraryRepository(db *mongo.Database) library.Repository {
	return &libraryRepository{
		books: db.Collection(database.BookCollection),
		loans: db.Collection(database.LoanCollection),
	}
}

func (repo *libraryRepository) CreateBook(ctx context.Context, book library.Book) (library.Book, error) {
	book.ID = uuid.New().String()
	if _, err := repo.books.InsertOne(ctx, book); err != nil {
		return library.Book{}, errors.Wrap(err, "inserting book")
	}
	return book, nil
}

func (repo *libraryRepository) GetBook(ctx context.Context, id string) (library.Book, error) {
	var book library.Book
	if err := repo.books.FindOne(ctx, bson.M{"_id": id}).Decode(&book); err != nil {
		if err == mongo.ErrNoDocuments {
			return library.Book{}, library.ErrBookNotFound
		}
		return library.Book{}, errors.Wrap(err, "finding book")
	}
	return book, nil
}

func (repo *libraryRepository) QueryBooks(ctx context.Context, filter *library.BookFilter) ([]library.Book, error) {
	match := bson.M{}
	if filter != nil {
		if filter.Search != "" {
			re := primitive.Regex{Pattern: regexp.QuoteMeta(filter.Search), Options: "i"}
			match["$or"] = bson.A{
				bson.M{"title": re},
				bson.M{"author": re},
				bson.M{"genre": re},
			}
		}
		if filter.AvailableOnly {
			match["available"] = bson.M{"$gt": 0}
		}
	}

	cur, err := repo.books.Find(ctx, match, options.Find().SetSort(bson.D{{Key: "title", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "finding books")
	}
	books := make([]library.Book, 0)
	if err = cur.All(ctx, &books); err != nil {
		return nil, errors.Wrap(err, "decoding books")
	}
	return books, nil
}

func (repo *libraryRepository) UpdateBook(ctx context.Context, book library.Book, copiesDelta int) (library.Book, error) {
	set := bson.M{"updated_at": book.UpdatedAt}
	if book.Title != "" {
		set["title"] = book.Title
	}
	if book.Author != "" {
		set["author"] = book.Author
	}
	if book.Genre != "" {
		set["genre"] = book.Genre
	}
	update := bson.M{"$set": set}
	if copiesDelta != 0 {
		set["copies"] = book.Copies
		update["$inc"] = bson.M{"available": copiesDelta}
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var updated library.Book
	err := repo.books.FindOneAndUpdate(ctx, bson.M{"_id": book.ID}, update, opts).Decode(&updated)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return library.Book{}, library.ErrBookNotFound
		}
		return library.Book{}, errors.Wrap(err, "updating book")
	}
	if copiesDelta != 0 {
		if updated, err = repo.clampAvailable(ctx, updated); err != nil {
			return library.Book{}, err
		}
	}
	return updated, nil
}

// clampAvailable pins Available back into [0, Copies] after a copies change
// raced with issues or returns.
func (repo *libraryRepository) clampAvailable(ctx context.Context, book library.Book) (library.Book, error) {
	if book.Available >= 0 && book.Available <= book.Copies {
		return book, nil
	}
	target := book.Available
	if target < 0 {
		target = 0
	} else {
		target = book.Copies
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := repo.books.FindOneAndUpdate(
		ctx,
		bson.M{"_id": book.ID, "available": book.Available},
		bson.M{"$set": bson.M{"available": target}},
		opts,
	).Decode(&book)
	if err != nil && err != mongo.ErrNoDocuments {
		return library.Book{}, errors.Wrap(err, "clamping book availability")
	}
	return book, nil
}

// IssueLoan takes a copy and records the loan. The decrement is a single
// conditional update guarded by available > 0 so two concurrent issues of the
// last copy cannot both succeed.
func (repo *libraryRepository) IssueLoan(ctx context.Context, loan library.Loan) (library.Loan, error) {
	res, err := repo.books.UpdateOne(
		ctx,
		bson.M{"_id": loan.BookID, "available": bson.M{"$gt": 0}},
		bson.M{
			"$inc": bson.M{"available": -1},
			"$set": bson.M{"updated_at": time.Now().UTC()},
		},
	)
	if err != nil {
		return library.Loan{}, errors.Wrap(err, "taking book copy")
	}
	if res.MatchedCount == 0 {
		if _, err = repo.GetBook(ctx, loan.BookID); err != nil {
			return library.Loan{}, err
		}
		return library.Loan{}, library.ErrNoCopies
	}

	loan.ID = uuid.New().String()
	if _, err = repo.loans.InsertOne(ctx, loan); err != nil {
		// put the copy back; the loan was never recorded
		_, _ = repo.books.UpdateOne(ctx, bson.M{"_id": loan.BookID}, bson.M{"$inc": bson.M{"available": 1}})
		return library.Loan{}, errors.Wrap(err, "inserting loan")
	}
	return loan, nil
}

func (repo *libraryRepository) GetLoan(ctx context.Context, id string) (library.Loan, error) {
	var loan library.Loan
	if err := repo.loans.FindOne(ctx, bson.M{"_id": id}).Decode(&loan); err != nil {
		if err == mongo.ErrNoDocuments {
			return library.Loan{}, library.ErrLoanNotFound
		}
		return library.Loan{}, errors.Wrap(err, "finding loan")
	}
	return loan, nil
}

func (repo *libraryRepository) QueryLoans(ctx context.Context, filter *library.LoanFilter) ([]library.Loan, error) {
	match := bson.M{}
	if filter != nil {
		if filter.BorrowerID != "" {
			match["borrower_id"] = filter.BorrowerID
		}
		if filter.Returned != nil {
			match["returned"] = *filter.Returned
		}
		if filter.OverdueOnly {
			match["returned"] = false
			match["due_date"] = bson.M{"$lt": time.Now().UTC().Truncate(24 * time.Hour)}
		}
	}

	cur, err := repo.loans.Find(ctx, match, options.Find().SetSort(bson.D{{Key: "issue_date", Value: -1}}))
	if err != nil {
		return nil, errors.Wrap(err, "finding loans")
	}
	loans := make([]library.Loan, 0)
	if err = cur.All(ctx, &loans); err != nil {
		return nil, errors.Wrap(err, "decoding loans")
	}
	return loans, nil
}

// ReturnLoan closes the loan and releases the copy. The close is a single
// conditional update guarded by returned == false so a loan can only be
// returned once; the release is guarded by available < copies.
func (repo *libraryRepository) ReturnLoan(ctx context.Context, loan library.Loan) (library.Loan, error) {
	res, err := repo.loans.UpdateOne(
		ctx,
		bson.M{"_id": loan.ID, "returned": false},
		bson.M{"$set": bson.M{
			"returned":    true,
			"returned_at": loan.ReturnedAt,
			"fine":        loan.Fine,
			"fine_paid":   loan.FinePaid,
		}},
	)
	if err != nil {
		return library.Loan{}, errors.Wrap(err, "closing loan")
	}
	if res.MatchedCount == 0 {
		existing, err := repo.GetLoan(ctx, loan.ID)
		if err != nil {
			return library.Loan{}, err
		}
		if existing.Returned {
			return library.Loan{}, library.ErrAlreadyReturned
		}
		return library.Loan{}, library.ErrLoanNotFound
	}

	_, err = repo.books.UpdateOne(
		ctx,
		bson.M{"_id": loan.BookID, "$expr": bson.M{"$lt": bson.A{"$available", "$copies"}}},
		bson.M{
			"$inc": bson.M{"available": 1},
			"$set": bson.M{"updated_at": time.Now().UTC()},
		},
	)
	if err != nil {
		// reopen the loan so the return can be retried; leaving it closed
		// here would leak the copy for good
		_, _ = repo.loans.UpdateOne(ctx, bson.M{"_id": loan.ID}, bson.M{
			"$set":   bson.M{"returned": false},
			"$unset": bson.M{"returned_at": "", "fine": "", "fine_paid": ""},
		})
		return library.Loan{}, errors.Wrap(err, "releasing book copy")
	}
	return loan, nil
}
