//go:build !linux

package workerpool

// processRSS is unsupported outside linux; returning 0 disables the memory
// ceiling rather than guessing.
func processRSS(pid int) (int64, error) {
	return 0, nil
}
