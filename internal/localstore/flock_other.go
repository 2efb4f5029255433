//go:build !unix

package localstore

// Advisory file locks are unix only; elsewhere the in-process mutex is the
// only protection.
func lockPath(path string, exclusive bool) (func(), error) {
	return func() {}, nil
}
