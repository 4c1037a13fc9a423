package rpmalloc

import "os"

func queryPageSize() int {
	return os.Getpagesize()
}
