package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	errs "github.com/haydenbarnes/convo-sync/internal/errors"
	"github.com/haydenbarnes/convo-sync/internal/store"
	"golang.org/x/sync/singleflight"
)

// defaultStaleAfter is how old a user record may grow before a
// sync-if-stale check refreshes it.
const defaultStaleAfter = 24 * time.Hour

// Job is an awaitable handle for an in-flight user sync.
type Job struct {
	ch <-chan singleflight.Result
}

// Await blocks until the sync completes or ctx is cancelled.
func (j Job) Await(ctx context.Context) error {
	if j.ch == nil {
		return nil
	}

	select {
	case res := <-j.ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Syncer refreshes local user records from the remote service.
// Concurrent syncs of the same user are collapsed into one remote call.
type Syncer struct {
	store  *store.Store
	remote Remote
	logger *slog.Logger

	staleAfter time.Duration
	now        func() time.Time

	group singleflight.Group
}

// NewSyncer creates a user syncer with the default staleness window.
func NewSyncer(st *store.Store, remote Remote, logger *slog.Logger) *Syncer {
	return &Syncer{
		store:      st,
		remote:     remote,
		logger:     logger,
		staleAfter: defaultStaleAfter,
		now:        time.Now,
	}
}

// WithStaleAfter overrides the staleness window and returns the syncer.
func (s *Syncer) WithStaleAfter(d time.Duration) *Syncer {
	if d > 0 {
		s.staleAfter = d
	}

	return s
}

// Sync refreshes one user unconditionally and returns an awaitable job.
func (s *Syncer) Sync(ctx context.Context, userID string) Job {
	ch := s.group.DoChan(userID, func() (any, error) {
		return nil, s.fetch(ctx, userID)
	})

	return Job{ch: ch}
}

// SyncIfStale refreshes every listed user whose record is missing, a
// placeholder, or older than the staleness window. The returned job
// completes when all triggered syncs have finished.
func (s *Syncer) SyncIfStale(ctx context.Context, userIDs []string) Job {
	var jobs []Job

	for _, id := range userIDs {
		stale, err := s.isStale(id)
		if err != nil {
			s.logger.Warn("checking user staleness",
				slog.String("user", id),
				slog.String("error", err.Error()),
			)

			continue
		}

		if stale {
			jobs = append(jobs, s.Sync(ctx, id))
		}
	}

	if len(jobs) == 0 {
		return Job{}
	}

	done := make(chan singleflight.Result, 1)
	go func() {
		var firstErr error

		for _, j := range jobs {
			if err := j.Await(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}

		done <- singleflight.Result{Err: firstErr}
	}()

	return Job{ch: done}
}

// QueueSyncIfStale fires sync-if-stale without waiting for completion.
// Satisfies UserQueue for the merge engine. The syncs stop with ctx.
func (s *Syncer) QueueSyncIfStale(ctx context.Context, userIDs []string) {
	s.SyncIfStale(ctx, userIDs)
}

// Stale reports whether the user needs a refresh before being trusted.
func (s *Syncer) Stale(userID string) bool {
	stale, err := s.isStale(userID)
	if err != nil {
		return true
	}

	return stale
}

func (s *Syncer) isStale(userID string) (bool, error) {
	rec, err := s.store.GetUser(userID)
	if err != nil {
		return false, err
	}

	if rec == nil || rec.LastSync == 0 {
		return true, nil
	}

	age := s.now().UnixMilli() - rec.LastSync

	return age > s.staleAfter.Milliseconds(), nil
}

// fetch pulls the remote profile and enriches the local record. Remote
// delete-account responses soft-delete, never hard-delete.
func (s *Syncer) fetch(ctx context.Context, userID string) error {
	profile, err := s.remote.FetchUser(ctx, userID)
	if err != nil {
		var remoteErr *RemoteError
		if errors.As(err, &remoteErr) && remoteErr.StatusCode == http.StatusNotFound {
			return fmt.Errorf("user %s: %w", userID, errs.ErrUserUnknown)
		}

		return fmt.Errorf("fetching user %s: %w", userID, err)
	}

	_, err = s.store.UpsertUser(userID, func(u *store.UserRecord) {
		u.Name = profile.Name
		u.TeamID = profile.TeamID
		u.ExpiresAt = profile.ExpiresAt
		u.LastSync = s.now().UnixMilli()

		if profile.Deleted {
			u.Deleted = true
		}
	})
	if err != nil {
		return fmt.Errorf("storing user %s: %w", userID, err)
	}

	s.logger.Debug("user synced", slog.String("user", userID))

	return nil
}

// EnsurePlaceholder lazily creates a placeholder record for a user seen
// for the first time.
func (s *Syncer) EnsurePlaceholder(userID string) error {
	rec, err := s.store.GetUser(userID)
	if err != nil {
		return err
	}

	if rec != nil {
		return nil
	}

	_, err = s.store.UpsertUser(userID, nil)

	return err
}
