package schedsvc

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/library"
)

// Scheduler runs the recurring background jobs. Only the daily overdue loan
// sweep for now.
type Scheduler struct {
	cron       *cron.Cron
	conf       *core.Config
	logger     core.Logger
	librarySvc library.ServiceInterface
	mailSvc    core.EmailService
}

func New(conf *core.Config, logger core.Logger, librarySvc library.ServiceInterface, mailSvc core.EmailService) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		conf:       conf,
		logger:     logger,
		librarySvc: librarySvc,
		mailSvc:    mailSvc,
	}
}

// Start registers the jobs and kicks off the scheduler in its own goroutine.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("@daily", s.SweepOverdueLoans); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop waits for running jobs to complete.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// SweepOverdueLoans mails an overdue notice to every borrower with an open
// loan past its due date. Borrowers without an email on the loan are skipped.
func (s *Scheduler) SweepOverdueLoans() {
	ctx, cancel := context.WithTimeout(context.Background(), s.conf.Database.Timeout)
	defer cancel()

	loans, err := s.librarySvc.QueryOverdueLoans(ctx)
	if err != nil {
		s.logger.Error(fmt.Sprintf("querying overdue loans: %v", err), err)
		return
	}

	now := time.Now().UTC()
	messages := make([]*core.EmailMessage, 0, len(loans))
	for _, loan := range loans {
		if loan.BorrowerEmail == "" {
			continue
		}
		fine := library.ComputeFine(loan.DueDate, now, s.conf.Library.FinePerDay)
		messages = append(messages, &core.EmailMessage{
			To:           []mail.Address{{Name: loan.BorrowerName, Address: loan.BorrowerEmail}},
			Subject:      fmt.Sprintf("Overdue: %s", loan.BookTitle),
			TemplateName: "loan-overdue",
			TemplateData: struct {
				Loan    library.Loan
				FineDue int
			}{loan, fine},
		})
	}
	if len(messages) > 0 {
		s.mailSvc.SendMessages(messages...)
	}
	s.logger.Info(fmt.Sprintf("overdue sweep: %d overdue loans, %d notices sent", len(loans), len(messages)))
}
