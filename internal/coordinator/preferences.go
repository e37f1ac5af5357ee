package coordinator

import (
	"context"

	"github.com/sapliy/notifysync/internal/notify"
)

// preferences returns the user's delivery preferences, served from the
// TTL cache between fetches. Every failure mode degrades to nil, which
// gates as allow-everything; a notification is never lost to a preference
// lookup error.
func (c *Coordinator) preferences(ctx context.Context) *notify.Preferences {
	if c.prefs == nil {
		return nil
	}
	if v, ok := c.cache.Get(c.prefsKey()); ok {
		if p, ok := v.(*notify.Preferences); ok {
			return p
		}
	}
	p, err := c.prefs.GetPreferences(ctx, c.userID)
	if err != nil {
		c.logger.Debug("preference fetch failed, defaulting to allow", "error", err)
		return nil
	}
	c.cache.Set(c.prefsKey(), p, c.cacheTTL)
	return p
}
