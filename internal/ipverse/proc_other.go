//go:build !linux

package ipverse

func processRSSBytes() (rssBytes uint64, ok bool) {
	return 0, false
}
