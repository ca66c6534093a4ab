package loader

import (
	"context"
	"fmt"

	"github.com/deeplynx/loader/internal/deeplynx"
)

// Push uploads the file at path to a data source of the configured target
// container. A zero dataSourceID selects the configured target data source.
func (l *Loader) Push(ctx context.Context, dataSourceID uint64, path string) error {
	if dataSourceID == 0 {
		dataSourceID = l.cfg.TargetDataSourceID
	}
	if l.cfg.TargetContainerID == 0 {
		return fmt.Errorf("%w: target_container_id is not configured", deeplynx.ErrMissingFields)
	}
	if dataSourceID == 0 {
		return fmt.Errorf("%w: no data source given and target_data_source_id is not configured", deeplynx.ErrMissingFields)
	}
	return l.PushTo(ctx, l.cfg.TargetContainerID, dataSourceID, deeplynx.FromFile(path))
}

// PushTo uploads src to any data source.
func (l *Loader) PushTo(ctx context.Context, containerID, dataSourceID uint64, src deeplynx.ImportSource) error {
	if err := l.remote.Import(ctx, containerID, dataSourceID, src); err != nil {
		return err
	}
	l.logger.Info("data pushed", "container_id", containerID, "data_source_id", dataSourceID)
	return nil
}
