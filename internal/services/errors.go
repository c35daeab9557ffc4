package services

import (
	"errors"
	"fmt"

	"github.com/Lllllllleong/documentcollections/internal/models"
	"github.com/Lllllllleong/documentcollections/internal/store"
)

func isNotFound(err error) bool { return errors.Is(err, models.ErrNotFound) }

func isNoChange(err error) bool { return errors.Is(err, store.ErrNoChange) }

// authorizeCollection maps a missing, deleting or foreign collection to the
// caller-facing taxonomy.
func authorizeCollection(c *models.Collection, owner string) error {
	if c.Deleting {
		return fmt.Errorf("%w: collection %s", models.ErrNotFound, c.ID)
	}
	if c.Owner != owner {
		return fmt.Errorf("%w: collection %s is not owned by caller", models.ErrForbidden, c.ID)
	}
	return nil
}
