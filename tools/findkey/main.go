// Command findkey prints keys that hash to a given partition, for seeding
// test data and reproducing routing issues by hand.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/10yihang/gridcache/internal/cluster/hash"
	"github.com/10yihang/gridcache/internal/cluster/partition"
)

func main() {
	target := flag.Int("partition", 0, "partition to find keys for")
	partitions := flag.Int("partitions", 64, "partition count of the cluster")
	count := flag.Int("n", 1, "number of keys to print")
	prefix := flag.String("prefix", "key-", "key prefix")
	flag.Parse()

	if *target < 0 || *target >= *partitions {
		fmt.Fprintf(os.Stderr, "partition %d out of range [0, %d)\n", *target, *partitions)
		os.Exit(2)
	}

	found := 0
	for i := 0; i < 1_000_000 && found < *count; i++ {
		key := fmt.Sprintf("%s%d", *prefix, i)
		if hash.KeyPartition(key, *partitions) == partition.ID(*target) {
			fmt.Println(key)
			found++
		}
	}
	if found == 0 {
		fmt.Fprintln(os.Stderr, "not found")
		os.Exit(1)
	}
}
