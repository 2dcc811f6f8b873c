package deploy

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/ftp-deploy/pkg/config"
	"github.com/sidkik/ftp-deploy/pkg/errors"
	"github.com/sidkik/ftp-deploy/pkg/fswatch"
	"github.com/sidkik/ftp-deploy/pkg/sync"
)

// Mocked for unit testing.
var watch = fswatch.Watch

// watchAndDeploy deploys once, and then again every time the local folder
// changes. Failed deployments are logged rather than returned so that the
// next change gets another chance.
func watchAndDeploy(ctx context.Context, cfg config.Deploy) error {
	// The state file is rewritten by every deployment when the server folder
	// is inside the local folder.
	patterns := append([]string{"**/" + cfg.StateName}, cfg.Exclude...)
	exclude, err := sync.NewExcluder(patterns)
	if err != nil {
		return errors.WithContext(err, "parse exclude patterns")
	}

	changes, err := watch(ctx, cfg.LocalDir, exclude)
	if err != nil {
		return errors.WithContext(err, "watch local folder")
	}

	deployOnce := func() {
		summary, err := run(ctx, cfg)
		if err != nil {
			log.WithError(err).Error("Deployment failed. Waiting for the next change.")
			return
		}
		printSummary(stdout, summary)
	}

	deployOnce()
	log.WithField("path", cfg.LocalDir).Info("Watching for changes")
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
		}

		log.Info("Detected local changes. Deploying.")
		deployOnce()
	}
}

