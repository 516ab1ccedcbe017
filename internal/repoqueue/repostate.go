package repoqueue

import (
	"context"
	"fmt"
	"log"

	"buildhub/internal/hooks"
	"buildhub/internal/models"
)

// SetState transitions a repo's state. A repo turning READY satisfies
// waiting requests, may take over the latest symlink, and fires the
// repo-done callbacks.
func (qu *Queue) SetState(ctx context.Context, db Storage, repoID int64, state models.RepoState) error {
	repo, err := db.GetRepo(ctx, repoID)
	if err != nil {
		return err
	}
	oldState := repo.State
	if oldState == state {
		return nil
	}
	if err := db.SetRepoState(ctx, repoID, state); err != nil {
		return err
	}
	if state != models.RepoReady {
		return nil
	}

	if err := qu.RepoDone(ctx, db, repoID); err != nil {
		return err
	}
	repo.State = models.RepoReady
	if _, err := qu.SymlinkIfLatest(ctx, db, repo); err != nil {
		// the link is nonessential
		log.Printf("latest symlink for repo %d: %v", repoID, err)
	}
	if qu.hooks != nil {
		ev := &hooks.Event{Attribute: "state", Old: oldState, New: state, Repo: &repo}
		if err := qu.hooks.Run(ctx, hooks.PostRepoDone, ev); err != nil {
			return fmt.Errorf("repo done callbacks: %w", err)
		}
	}
	return nil
}
