package shard

import "unicode/utf8"

// hashPrefix is the number of leading characters of an info hash that
// select its shard.
const hashPrefix = 4

// Index returns the shard in [0, n) that owns infoHash: the sum of the code
// points of its first four characters, modulo n.
func Index(infoHash string, n int) int {
	sum := 0
	i := 0
	for _, r := range infoHash {
		if i == hashPrefix {
			break
		}
		sum += int(r)
		i++
	}
	return sum % n
}

// routable reports whether infoHash is long enough to be hashed.
func routable(infoHash string) bool {
	return utf8.RuneCountInString(infoHash) >= hashPrefix
}
