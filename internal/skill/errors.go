package skill

import "github.com/c360studio/taskcore/internal/taskerr"

func isMissing(err error) bool {
	return taskerr.Is(err, taskerr.KindMissingResource)
}
