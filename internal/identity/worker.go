// Package identity polls the token reader and credits the pending material to the
// user who presents a registered token.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/recyclekiosk/internal/bus"
	"github.com/rewired-gh/recyclekiosk/internal/logger"
	"github.com/rewired-gh/recyclekiosk/internal/models"
	"github.com/rewired-gh/recyclekiosk/internal/session"
)

// Index maps token uids to accounts. A nil account with a nil error means the token is
// not registered.
type Index interface {
	Resolve(ctx context.Context, uid string) (*models.Account, error)
}

// Ledger holds point balances. Credit fails for accounts it does not know.
type Ledger interface {
	Credit(ctx context.Context, userID string, points int) (int, error)
}

// History records committed rewards.
type History interface {
	AddReward(ctx context.Context, r *models.RewardEvent) error
}

// Config controls the identity loop.
type Config struct {
	PollInterval  time.Duration
	ErrorBackoff  time.Duration
	LedgerTimeout time.Duration
}

// Worker is the identity resolution loop.
type Worker struct {
	cfg     Config
	reader  Reader
	index   Index
	ledger  Ledger
	history History
	catalog models.Catalog
	session *session.Session
	pub     bus.Publisher
	now     func() time.Time

	lastUID string
}

// NewWorker creates an identity worker.
func NewWorker(cfg Config, reader Reader, index Index, ledger Ledger, catalog models.Catalog,
	sess *session.Session, pub bus.Publisher) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = 5 * time.Second
	}
	return &Worker{
		cfg:     cfg,
		reader:  reader,
		index:   index,
		ledger:  ledger,
		catalog: catalog,
		session: sess,
		pub:     pub,
		now:     time.Now,
	}
}

// SetHistory enables reward history. Failures to record history are logged only.
func (w *Worker) SetHistory(h History) {
	w.history = h
}

// Run polls the reader until ctx is cancelled. If the reader cannot be opened the worker
// disables itself and returns nil.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	if err := w.reader.Open(ctx); err != nil {
		logger.Error("[identity] %v", err)
		w.session.SetReaderActive(false)
		w.pub.Publish(bus.TopicWorkerStatus, bus.WorkerStatus{Worker: "identity", Active: false, Reason: err.Error()})
		return nil
	}
	w.session.SetReaderActive(true)
	w.pub.Publish(bus.TopicWorkerStatus, bus.WorkerStatus{Worker: "identity", Active: true})
	logger.Info("[identity] reader open, polling every %v", w.cfg.PollInterval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.session.SetReaderActive(false)
			logger.Info("[identity] stopped")
			return nil
		case <-timer.C:
			timer.Reset(w.Poll(ctx))
		}
	}
}

// Poll performs one read and returns how long to wait before the next one.
func (w *Worker) Poll(ctx context.Context) time.Duration {
	uid, err := w.reader.Read(ctx)
	switch {
	case errors.Is(err, ErrNoToken):
		w.lastUID = ""
		return w.cfg.PollInterval
	case err != nil:
		logger.Warn("[identity] read failed: %v", err)
		w.lastUID = ""
		return w.cfg.ErrorBackoff
	}

	uid = models.NormalizeUID(uid)
	if uid == "" || uid == w.lastUID {
		return w.cfg.PollInterval
	}

	acct, err := w.index.Resolve(ctx, uid)
	if err != nil {
		// Leave lastUID alone so the next poll retries.
		logger.Warn("[identity] failed to resolve %s: %v", uid, err)
		return w.cfg.PollInterval
	}
	w.lastUID = uid

	if acct == nil {
		logger.Info("[identity] unregistered token %s", uid)
		w.pub.Publish(bus.TopicTokenUnregistered, bus.TokenNotice{UID: uid})
		return w.cfg.PollInterval
	}

	w.Claim(ctx, uid, *acct)
	return w.cfg.PollInterval
}

// Claim credits the pending material, if any, to acct. The ledger write and the session
// update happen in one critical section, so a pending material is credited at most once
// no matter how many tokens are presented.
func (w *Worker) Claim(ctx context.Context, uid string, acct models.Account) {
	var (
		claimed  bool
		material models.MaterialKind
		event    *models.RewardEvent
		failure  error
	)

	_ = w.session.WithLock(func(st *session.State) error {
		if st.Pending == nil {
			return nil
		}
		claimed = true
		material = *st.Pending
		points := w.catalog.PointsFor(material)

		lctx, cancel := context.WithTimeout(ctx, w.cfg.LedgerTimeout)
		defer cancel()

		after, err := w.ledger.Credit(lctx, acct.UserID, points)
		if err != nil {
			failure = fmt.Errorf("failed to credit: %w", err)
			return nil
		}

		now := w.now()
		before := after - points
		st.Consume(session.UserCredit{
			UserID:        acct.UserID,
			Name:          acct.Name,
			Material:      material,
			PointsAwarded: points,
			BalanceBefore: before,
			BalanceAfter:  after,
		}, now)
		event = &models.RewardEvent{
			ID:            uuid.NewString(),
			Material:      material,
			UserID:        acct.UserID,
			UserName:      acct.Name,
			PointsAwarded: points,
			BalanceBefore: before,
			BalanceAfter:  after,
			Timestamp:     now,
		}
		return nil
	})

	switch {
	case !claimed:
		logger.Info("[identity] %s presented with nothing to claim", acct.UserID)
		w.pub.Publish(bus.TopicNothingToClaim, bus.TokenNotice{UID: uid, UserID: acct.UserID, Name: acct.Name})
	case failure != nil:
		logger.Error("[identity] %s for %s stays pending: %v", material, acct.UserID, failure)
		w.pub.Publish(bus.TopicLedgerFailure, bus.LedgerFailure{
			UserID:   acct.UserID,
			Material: material,
			Error:    failure.Error(),
		})
	default:
		logger.Info("[identity] credited %d points to %s for %s (balance %d)",
			event.PointsAwarded, event.UserID, event.Material, event.BalanceAfter)
		w.pub.Publish(bus.TopicRewardGranted, *event)
		if w.history != nil {
			if err := w.history.AddReward(ctx, event); err != nil {
				logger.Warn("[identity] failed to record reward %s: %v", event.ID, err)
			}
		}
	}
}
