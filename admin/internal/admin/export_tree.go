package admin

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/malbeclabs/referrals/engine/pkg/reporting"
)

type TreeExporter interface {
	ExportTree(ctx context.Context, rootUserID uuid.UUID, window reporting.Window) (string, error)
}

func ExportTree(ctx context.Context, exporter TreeExporter, userID uuid.UUID, window reporting.Window, out io.Writer) error {
	key, err := exporter.ExportTree(ctx, userID, window)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "exported performance tree to %s\n", key)
	return err
}
