package mongorepos

import (
	"context"
	"regexp"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/trezcool/shule/core/user"
	"github.com/trezcool/shule/storage/database"
)

type userRepository struct {
	users *mongo.Collection
}

var _ user.Repository = (*userRepository)(nil)

func NewUserRepository(db *mongo.Database) user.Repository {
	return &userRepository{users: db.Collection(database.UserCollection)}
}

func (repo *userRepository) CheckUsernameUniqueness(ctx context.Context, username, email string, excludedUsers ...user.User) error {
	exclIDs := make([]string, 0, len(excludedUsers))
	for _, usr := range excludedUsers {
		exclIDs = append(exclIDs, usr.ID)
	}

	if username != "" {
		filter := bson.M{"username": username}
		if len(exclIDs) > 0 {
			filter["_id"] = bson.M{"$nin": exclIDs}
		}
		n, err := repo.users.CountDocuments(ctx, filter)
		if err != nil {
			return errors.Wrap(err, "counting users by username")
		}
		if n > 0 {
			return user.ErrUsernameExists
		}
	}

	if email != "" {
		filter := bson.M{"email": email}
		if len(exclIDs) > 0 {
			filter["_id"] = bson.M{"$nin": exclIDs}
		}
		n, err := repo.users.CountDocuments(ctx, filter)
		if err != nil {
			return errors.Wrap(err, "counting users by email")
		}
		if n > 0 {
			return user.ErrEmailExists
		}
	}
	return nil
}

func (repo *userRepository) CreateUser(ctx context.Context, usr user.User) (user.User, error) {
	usr.ID = uuid.New().String()
	if _, err := repo.users.InsertOne(ctx, usr); err != nil {
		if isDupErr(err) {
			// lost a race with a concurrent insert on the unique index
			return user.User{}, user.ErrEmailExists
		}
		return user.User{}, errors.Wrap(err, "inserting user")
	}
	return usr, nil
}

func (repo *userRepository) QueryUsers(ctx context.Context, filter *user.QueryFilter) ([]user.User, error) {
	match := bson.M{}
	if filter != nil {
		if filter.Search != "" {
			re := primitive.Regex{Pattern: regexp.QuoteMeta(filter.Search), Options: "i"}
			match["$or"] = bson.A{
				bson.M{"name": re},
				bson.M{"username": re},
				bson.M{"email": re},
			}
		}
		if len(filter.Roles) > 0 {
			match["roles"] = bson.M{"$in": filter.Roles}
		}
		if filter.IsActive != nil {
			match["is_active"] = *filter.IsActive
		}
		created := bson.M{}
		if !filter.CreatedFrom.IsZero() {
			created["$gte"] = filter.CreatedFrom
		}
		if !filter.CreatedTo.IsZero() {
			created["$lte"] = filter.CreatedTo
		}
		if len(created) > 0 {
			match["created_at"] = created
		}
	}

	cur, err := repo.users.Find(ctx, match, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "finding users")
	}
	users := make([]user.User, 0)
	if err = cur.All(ctx, &users); err != nil {
		return nil, errors.Wrap(err, "decoding users")
	}
	return users, nil
}

func (repo *userRepository) GetUser(ctx context.Context, filter user.GetFilter) (user.User, error) {
	var match bson.M
	switch {
	case filter.ID != "":
		match = bson.M{"_id": filter.ID}
	case filter.Username != "":
		match = bson.M{"username": filter.Username}
	case filter.Email != "":
		match = bson.M{"email": filter.Email}
	case len(filter.UsernameOrEmail) > 0:
		uname := filter.UsernameOrEmail[0]
		email := filter.UsernameOrEmail[len(filter.UsernameOrEmail)-1]
		match = bson.M{"$or": bson.A{
			bson.M{"username": uname},
			bson.M{"email": email},
		}}
	default:
		return user.User{}, user.ErrNotFound
	}

	var usr user.User
	if err := repo.users.FindOne(ctx, match).Decode(&usr); err != nil {
		if err == mongo.ErrNoDocuments {
			return user.User{}, user.ErrNotFound
		}
		return user.User{}, errors.Wrap(err, "finding user")
	}
	return usr, nil
}

func (repo *userRepository) UpdateUser(ctx context.Context, usr user.User) (user.User, error) {
	set := bson.M{"updated_at": usr.UpdatedAt}
	if usr.Name != "" {
		set["name"] = usr.Name
	}
	if usr.Username != "" {
		set["username"] = usr.Username
	}
	if usr.Email != "" {
		set["email"] = usr.Email
	}
	if usr.IsActive != nil {
		set["is_active"] = *usr.IsActive
	}
	if usr.Roles != nil {
		set["roles"] = usr.Roles
	}
	if usr.Class != "" {
		set["class"] = usr.Class
	}
	if usr.PasswordHash != nil {
		set["password_hash"] = usr.PasswordHash
	}
	if !usr.LastLogin.IsZero() {
		set["last_login"] = usr.LastLogin
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var updated user.User
	err := repo.users.FindOneAndUpdate(ctx, bson.M{"_id": usr.ID}, bson.M{"$set": set}, opts).Decode(&updated)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return user.User{}, user.ErrNotFound
		}
		return user.User{}, errors.Wrap(err, "updating user")
	}
	return updated, nil
}

func (repo *userRepository) UpdateOrCreateUser(ctx context.Context, usr user.User) (user.User, error) {
	existing, err := repo.GetUser(ctx, user.GetFilter{UsernameOrEmail: []string{usr.Username, usr.Email}})
	if err != nil {
		if err == user.ErrNotFound {
			return repo.CreateUser(ctx, usr)
		}
		return user.User{}, err
	}
	usr.ID = existing.ID
	usr.CreatedAt = existing.CreatedAt
	return repo.UpdateUser(ctx, usr)
}

func isDupErr(err error) bool {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, werr := range we.WriteErrors {
			if werr.Code == 11000 {
				return true
			}
		}
	}
	return false
}
