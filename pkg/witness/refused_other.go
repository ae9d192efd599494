//go:build !unix

package witness

func isRefused(error) bool { return false }
