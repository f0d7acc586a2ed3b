//go:build !unix

package pathsync

func allocatedSize(path string) (int64, error) {
	return logicalSize(path)
}
