package ingest

import "context"

// publishEvent emits an artifact lifecycle event. No-op without a bus;
// publish failures are logged and swallowed, event delivery is best-effort.
func (a *API) publishEvent(ctx context.Context, subject string, artifact *StoredArtifact) {
	if a.bus == nil || subject == "" {
		return
	}
	err := a.bus.Publish(ctx, subject, map[string]any{
		"id":           artifact.ID,
		"container_id": artifact.ContainerID,
		"status":       artifact.Status,
		"created_by":   artifact.CreatedBy,
		"checksum":     artifact.Checksum,
	})
	if err != nil {
		a.logf("WARN publish %s for artifact %s: %v", subject, artifact.ID, err)
	}
}

func (a *API) publishStatus(ctx context.Context, subject, id, status string) {
	if a.bus == nil || subject == "" {
		return
	}
	err := a.bus.Publish(ctx, subject, map[string]any{
		"id":     id,
		"status": status,
	})
	if err != nil {
		a.logf("WARN publish %s for artifact %s: %v", subject, id, err)
	}
}
