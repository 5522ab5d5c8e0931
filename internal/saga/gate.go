package saga

import (
	"fmt"
	"strings"

	"agripulse.org/internal/mirror"
)

// RequirePlatform fails unless every platform asset is recorded.
func RequirePlatform(pa mirror.PlatformAssets) error {
	if missing := pa.Missing(); len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrPlatformNotInitialized, strings.Join(missing, ", "))
	}
	return nil
}
