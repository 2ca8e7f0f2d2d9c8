package ingest

import (
	"context"
	"time"
)

// processingTimeout bounds one background processing run.
const processingTimeout = 5 * time.Minute

// scheduleProcessing runs post-store processing in a detached task. The
// submitting request has already been answered; failures are recorded on
// the artifact itself and never propagate.
func (a *API) scheduleProcessing(id string) {
	a.tasks.Add(1)
	go func() {
		defer a.tasks.Done()
		a.runProcessing(id)
	}()
}

func (a *API) runProcessing(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), processingTimeout)
	defer cancel()

	if err := a.store.UpdateStatus(id, StatusProcessing, ""); err != nil {
		a.logf("ERROR marking artifact %s processing: %v", id, err)
		return
	}

	if a.process != nil {
		artifact, err := a.store.Get(id)
		if err != nil {
			a.logf("ERROR loading artifact %s for processing: %v", id, err)
			return
		}
		if err := a.process(ctx, artifact); err != nil {
			a.logf("ERROR processing artifact %s: %v", id, err)
			if uerr := a.store.UpdateStatus(id, StatusError, err.Error()); uerr != nil {
				a.logf("ERROR recording failure for artifact %s: %v", id, uerr)
			}
			a.publishStatus(ctx, artifactErrorSubject, id, StatusError)
			return
		}
	}

	if err := a.store.UpdateStatus(id, StatusProcessed, ""); err != nil {
		a.logf("ERROR marking artifact %s processed: %v", id, err)
		return
	}
	a.publishStatus(ctx, artifactProcessedSubject, id, StatusProcessed)
	a.logf("processed artifact %s", id)
}
