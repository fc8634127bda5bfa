package user_test

import (
	"context"
	"net/mail"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/user"
	dummydb "github.com/trezcool/shule/storage/database/dummy"
	testutil "github.com/trezcool/shule/tests"
)

type fakeMailService struct {
	sent []*core.EmailMessage
}

func (svc *fakeMailService) SendMessages(messages ...*core.EmailMessage) {
	svc.sent = append(svc.sent, messages...)
}

func setup() (user.Repository, *fakeMailService, user.ServiceInterface) {
	conf := &core.Config{
		AppName:                   "Shule",
		SecretKey:                 []byte("secret"),
		DefaultFromEmail:          mail.Address{Name: "Shule", Address: "noreply@localhost"},
		PasswordResetTimeoutDelta: 3 * 24 * time.Hour,
	}
	repo := dummydb.NewUserRepository()
	mailSvc := new(fakeMailService)
	return repo, mailSvc, user.NewService(repo, mailSvc, conf)
}

func TestService_Create(t *testing.T) {
	_, _, svc := setup()
	ctx := context.Background()

	usr, err := svc.Create(ctx, user.NewUser{
		Name:     "Jim Hopper",
		Username: "hopper",
		Email:    "hopper@test.cd",
		Password: "S3cretW0rd#",
		Class:    "form 1",
	})
	assert.NoError(t, err)
	assert.NotEmpty(t, usr.ID)
	assert.Equal(t, []string{user.RoleStudent}, usr.Roles) // default role
	assert.True(t, usr.Active())
	assert.NoError(t, usr.CheckPassword("S3cretW0rd#"))
	assert.Error(t, usr.CheckPassword("wrong"))
}

func TestService_CheckUniqueness(t *testing.T) {
	repo, _, svc := setup()
	ctx := context.Background()

	usr := testutil.CreateUser(t, repo, "User", "awe", "awe@test.cd", "", nil, true)

	err := svc.CheckUniqueness(ctx, "new", "new@test.cd")
	assert.NoError(t, err)

	err = svc.CheckUniqueness(ctx, usr.Username, "new@test.cd")
	cErr, ok := errors.Cause(err).(*core.ConflictError)
	if assert.True(t, ok) {
		assert.Equal(t, user.ErrUsernameExists, cErr.Err)
	}

	err = svc.CheckUniqueness(ctx, "new", usr.Email)
	cErr, ok = errors.Cause(err).(*core.ConflictError)
	if assert.True(t, ok) {
		assert.Equal(t, user.ErrEmailExists, cErr.Err)
	}

	// excluded user does not conflict with themselves
	err = svc.CheckUniqueness(ctx, usr.Username, usr.Email, usr)
	assert.NoError(t, err)
}

func TestService_GetByUsernameOrEmail(t *testing.T) {
	repo, _, svc := setup()
	ctx := context.Background()

	usr := testutil.CreateUser(t, repo, "User", "awe", "awe@test.cd", "", nil, true)

	got, err := svc.GetByUsernameOrEmail(ctx, "awe")
	assert.NoError(t, err)
	assert.Equal(t, usr.ID, got.ID)

	got, err = svc.GetByUsernameOrEmail(ctx, "AWE@test.CD")
	assert.NoError(t, err)
	assert.Equal(t, usr.ID, got.ID)

	_, err = svc.GetByUsernameOrEmail(ctx, "nope")
	assert.Equal(t, user.ErrNotFound, errors.Cause(err))
}

func TestService_UpdateAndDeactivate(t *testing.T) {
	repo, _, svc := setup()
	ctx := context.Background()

	usr := testutil.CreateUser(t, repo, "User", "awe", "awe@test.cd", "mdr", nil, true)

	updated, err := svc.Update(ctx, usr.ID, user.UpdateUser{Name: "Renamed"})
	assert.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, usr.Username, updated.Username) // untouched
	assert.NoError(t, updated.CheckPassword("mdr")) // untouched

	assert.NoError(t, svc.Deactivate(ctx, usr.ID))
	refreshed, err := svc.GetByID(ctx, usr.ID)
	assert.NoError(t, err)
	assert.False(t, refreshed.Active())
	assert.Equal(t, "Renamed", refreshed.Name) // soft only; nothing else changed
}

func TestService_ChangePassword(t *testing.T) {
	repo, _, svc := setup()
	ctx := context.Background()

	usr := testutil.CreateUser(t, repo, "User", "awe", "awe@test.cd", "0ldW0rd#a", nil, true)

	err := svc.ChangePassword(ctx, usr, user.ChangeUserPassword{OldPassword: "wrong", Password: "S3cretW0rd#"})
	vErr, ok := errors.Cause(err).(*core.ValidationError)
	if assert.True(t, ok) {
		assert.Equal(t, "old_password", vErr.Fields[0].Field)
	}

	err = svc.ChangePassword(ctx, usr, user.ChangeUserPassword{OldPassword: "0ldW0rd#a", Password: "S3cretW0rd#"})
	assert.NoError(t, err)

	refreshed, err := svc.GetByID(ctx, usr.ID)
	assert.NoError(t, err)
	assert.NoError(t, refreshed.CheckPassword("S3cretW0rd#"))
}

func TestService_PasswordResetFlow(t *testing.T) {
	repo, mailSvc, svc := setup()
	ctx := context.Background()

	usr := testutil.CreateUser(t, repo, "User", "awe", "awe@test.cd", "0ldW0rd#a", nil, true)
	inactive := testutil.CreateUser(t, repo, "Gone", "gone12", "gone@test.cd", "0ldW0rd#a", nil, false)

	t.Run("unknown email", func(t *testing.T) {
		err := svc.RequestPasswordReset(ctx, "nope@test.cd")
		assert.Equal(t, user.ErrNotFound, errors.Cause(err))
		assert.Empty(t, mailSvc.sent)
	})

	t.Run("inactive account", func(t *testing.T) {
		err := svc.RequestPasswordReset(ctx, inactive.Email)
		assert.Equal(t, user.ErrNotFound, errors.Cause(err))
		assert.Empty(t, mailSvc.sent)
	})

	t.Run("round trip", func(t *testing.T) {
		err := svc.RequestPasswordReset(ctx, usr.Email)
		assert.NoError(t, err)
		if !assert.Len(t, mailSvc.sent, 1) {
			return
		}
		msg := mailSvc.sent[0]
		assert.Equal(t, usr.Email, msg.To[0].Address)

		data, ok := msg.TemplateData.(struct {
			User  user.User
			UID   string
			Token string
		})
		if !assert.True(t, ok) {
			return
		}

		err = svc.ResetPassword(ctx, user.ResetUserPassword{UID: data.UID, Token: data.Token, Password: "S3cretW0rd#"})
		assert.NoError(t, err)

		refreshed, err := svc.GetByID(ctx, usr.ID)
		assert.NoError(t, err)
		assert.NoError(t, refreshed.CheckPassword("S3cretW0rd#"))

		// token is single use; the password change invalidates it
		err = svc.ResetPassword(ctx, user.ResetUserPassword{UID: data.UID, Token: data.Token, Password: "An0therW0rd#"})
		_, ok = errors.Cause(err).(*core.ValidationError)
		assert.True(t, ok)
	})

	t.Run("mangled uid", func(t *testing.T) {
		err := svc.ResetPassword(ctx, user.ResetUserPassword{UID: "???", Token: "x-y", Password: "S3cretW0rd#"})
		_, ok := errors.Cause(err).(*core.ValidationError)
		assert.True(t, ok)
	})
}
