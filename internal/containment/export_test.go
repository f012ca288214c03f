package containment

import "time"

// SetNowFunc swaps the controller clock in tests.
func (c *Controller) SetNowFunc(fn func() time.Time) { c.now = fn }
