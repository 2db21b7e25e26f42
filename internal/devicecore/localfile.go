package devicecore

import (
	"os"

	"github.com/RSATom/IpCamBox/internal/logging"
)

// removeLocalFile deletes a segment file once its cloud upload has
// succeeded. A missing file is not an error: it may already have been
// swept by a previous, retried upload attempt.
func removeLocalFile(log logging.Logger, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		if log != nil {
			log.WithError(err).WithField("file", path).Warn("failed to remove uploaded local file")
		}
	}
}
