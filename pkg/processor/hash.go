package processor

import "hash/fnv"

func Hash(value []byte) uint32 {
	hash := fnv.New32a()
	hash.Write(value)
	return hash.Sum32()
}
