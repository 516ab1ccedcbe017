package repoqueue

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"

	"buildhub/internal/models"
)

// latestLinkPath is where the tag's latest symlink lives.
func (qu *Queue) latestLinkPath(repo models.Repo) string {
	base := "repos"
	if repo.Dist {
		base = "repos-dist"
	}
	return filepath.Join(qu.cfg.TopDir, base, repo.TagName, "latest")
}

// SymlinkIfLatest points the tag's latest symlink at the repo when it
// is actually the newest ready repo of its kind. Non-dist repos with
// custom opts never take the link. Reports whether the link was moved.
func (qu *Queue) SymlinkIfLatest(ctx context.Context, db Storage, repo models.Repo) (bool, error) {
	if len(repo.CustomOpts) > 0 && !repo.Dist {
		// only default-opts repos represent the tag
		return false, nil
	}
	newer, err := db.CountNewerRepos(ctx, repo.TagID, repo.CreateEvent, repo.Dist)
	if err != nil {
		return false, err
	}
	if newer > 0 {
		log.Printf("skipping latest symlink for repo %d, %d newer repos", repo.ID, newer)
		return false, nil
	}

	linker, ok := qu.fs.(afero.Symlinker)
	if !ok {
		return false, fmt.Errorf("filesystem does not support symlinks")
	}
	link := qu.latestLinkPath(repo)
	if err := qu.fs.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return false, err
	}
	if _, _, lerr := linker.LstatIfPossible(link); lerr == nil {
		if err := qu.fs.Remove(link); err != nil && !os.IsNotExist(err) {
			return false, fmt.Errorf("remove latest link: %w", err)
		}
	}
	if err := linker.SymlinkIfPossible(strconv.FormatInt(repo.ID, 10), link); err != nil {
		return false, fmt.Errorf("create latest link %s: %w", link, err)
	}
	return true, nil
}
