package run

import (
	"context"

	xerrors "Redfish/internal/errors"
	"Redfish/internal/pipeline"
)

// Store 抽象了运行状态的持久化接口。
type Store interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	Claim(ctx context.Context, id string) (*Run, error)
	MarkSucceeded(ctx context.Context, id string, report *pipeline.Report) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, report *pipeline.Report) error
	List(ctx context.Context, opts ListOptions) ([]*Run, error)
	Stats(ctx context.Context, opts ListOptions) (RunStats, error)
	Close() error
}
