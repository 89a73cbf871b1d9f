package config

import "fmt"

// Validate checks the receivers table for missing or nonsensical geometry.
// A TV rectangle with a non-positive dimension would make every crop
// computation meaningless, so these are hard errors rather than warnings.
func (c *Config) Validate() error {
	if len(c.Receivers) == 0 {
		return fmt.Errorf("config is missing the receivers table")
	}

	for host, r := range c.Receivers {
		if r.Width <= 0 || r.Height <= 0 {
			return fmt.Errorf("receiver %q: width and height must be positive, got %dx%d",
				host, r.Width, r.Height)
		}
		if r.X < 0 || r.Y < 0 {
			return fmt.Errorf("receiver %q: x and y must be non-negative, got (%d,%d)",
				host, r.X, r.Y)
		}
		if r.Audio == "" {
			return fmt.Errorf("receiver %q: missing audio output kind", host)
		}
		if r.Video == "" {
			return fmt.Errorf("receiver %q: missing video output kind", host)
		}

		if r.IsDualVideoOutput() {
			if r.Width2 <= 0 || r.Height2 <= 0 {
				return fmt.Errorf("receiver %q: width2 and height2 must be positive, got %dx%d",
					host, r.Width2, r.Height2)
			}
			if r.X2 < 0 || r.Y2 < 0 {
				return fmt.Errorf("receiver %q: x2 and y2 must be non-negative, got (%d,%d)",
					host, r.X2, r.Y2)
			}
			if r.Audio2 == "" {
				return fmt.Errorf("receiver %q: missing audio2 output kind", host)
			}
			if r.Video2 == "" {
				return fmt.Errorf("receiver %q: missing video2 output kind", host)
			}
		}
	}

	if c.Rows < 1 {
		c.Rows = 1
	}
	if c.Columns < 1 {
		c.Columns = 1
	}

	return nil
}
