//go:build !unix

package engine

func freeSpace(string) (uint64, error) {
	return 0, errDiskSpaceUnsupported
}

func isNoSpace(error) bool { return false }
