package internal

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
)

// CloseAndLogIfError closes c and logs any non-nil error at Error
// level tagged with message, for use in defer statements around
// *sql.Rows and similar resources where the close error is worth
// recording but not worth propagating.
func CloseAndLogIfError(ctx context.Context, c io.Closer, message string) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logrus.WithContext(ctx).WithError(err).Error(message)
	}
}
