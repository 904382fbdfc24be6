package tessera

import "io"

// closer returns a function that closes c, discarding the error.
// Use with defer for read-only files and response bodies.
func closer(c io.Closer) func() {
	return func() { _ = c.Close() }
}
