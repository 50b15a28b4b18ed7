//go:build unix && !linux

package sharedbuffer

func createMemfd() (int, error) {
	return -1, ErrMemfdNotSupported
}
