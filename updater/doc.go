// Package updater applies edits to versioned entities under optimistic
// concurrency control.
//
// An Orchestrator sends the caller's intent with the version the caller last
// saw. When the server answers with a version conflict it waits according to
// its retry.Policy, fetches the entity again, rebuilds the payload from the
// fresh fields and retries with the fresh version. Not-found, validation and
// unclassified failures end the session at once.
//
//	orch := updater.New(res, updater.WithProgress(func(attempt, max int, msg string) {
//	    ui.Status(msg)
//	}))
//	entity, err := orch.Run(ctx, updater.IntentFor(snapshot, map[string]any{"name": "Acme Corp"}))
//	switch {
//	case errors.Is(err, errors.ErrNotFound):
//	    // drop the record from the list
//	case errors.Is(err, errors.ErrMaxRetriesExceeded):
//	    // ask the user to reload
//	}
//
// Every failure Run returns is an *UpdateError whose Kind is one of NotFound,
// Validation, MaxRetriesExceeded or Unknown. Version conflicts never escape
// except as MaxRetriesExceeded.
package updater
