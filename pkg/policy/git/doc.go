// Package git loads policy bundles from a Git repository.
//
// A Repository keeps a local clone of one branch. A Watcher polls it and
// calls a ReloadFunc with the bundle directory and the commit it was read
// from, so every snapshot created from a reload records the commit SHA as
// its source revision. Commits that touch no bundle file are skipped. A
// reload that fails validation leaves the previously loaded revision (and
// its ACTIVE snapshots) in force.
//
//	repo, err := git.NewRepository(cfg.Policy.Git)
//	if err != nil {
//		return err
//	}
//	if err := repo.Clone(ctx); err != nil {
//		return err
//	}
//	w := git.NewWatcher(repo, cfg.Policy.Git.Poll.Interval, cfg.Policy.DebounceInterval, mgr.ReloadCommit, logger)
//	if err := w.Start(ctx); err != nil {
//		return err
//	}
//	defer w.Stop()
//
// Authentication is token (HTTPS), ssh (private key, mode 0600 or tighter)
// or none.
package git
