// Command lsmdemo exercises a freshly opened database end to end: writes,
// a tombstone, a flush, a snapshot, and a range scan.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/blentle/lsmtree"
)

func main() {
	dir := "./demo-db"
	os.RemoveAll(dir)
	fmt.Println("cleaned up previous demo directory")

	opts := lsmtree.DefaultOptions()
	db, err := lsmtree.Open(dir, opts)
	if err != nil {
		log.Fatal("open failed:", err)
	}
	defer db.Close()
	fmt.Println("database opened at", dir)

	wo := lsmtree.WriteOptions{Sync: false}
	if err := db.Put([]byte("bar"), []byte("b"), wo); err != nil {
		log.Fatal("put bar failed:", err)
	}
	if err := db.Put([]byte("foo"), []byte("v1"), wo); err != nil {
		log.Fatal("put foo failed:", err)
	}

	snap := db.GetSnapshot()
	fmt.Println("snapshot taken before foo is overwritten")

	if err := db.Put([]byte("foo"), []byte("v2"), wo); err != nil {
		log.Fatal("put foo v2 failed:", err)
	}

	ro := lsmtree.ReadOptions{VerifyChecksums: true}
	v, err := db.Get([]byte("foo"), ro, snap)
	if err != nil {
		log.Fatal("get foo via snapshot failed:", err)
	}
	fmt.Printf("foo through snapshot: %s (expect v1)\n", v)

	v, err = db.Get([]byte("foo"), ro, nil)
	if err != nil {
		log.Fatal("get foo latest failed:", err)
	}
	fmt.Printf("foo latest: %s (expect v2)\n", v)
	db.ReleaseSnapshot(snap)

	batch := lsmtree.NewBatch()
	batch.Delete([]byte("bar"))
	batch.Put([]byte("baz"), []byte("b2"))
	if err := db.Write(batch, wo); err != nil {
		log.Fatal("batch write failed:", err)
	}
	v, err = db.Get([]byte("bar"), ro, nil)
	if err != nil {
		log.Fatal("get bar after delete failed:", err)
	}
	if v == nil {
		fmt.Println("bar correctly deleted")
	} else {
		fmt.Println("bar still present after delete, unexpected")
	}

	if err := db.FlushMemtable(); err != nil {
		log.Fatal("flush failed:", err)
	}
	fmt.Println("memtable flushed to level 0")

	it, err := db.NewIterator(ro, nil)
	if err != nil {
		log.Fatal("new iterator failed:", err)
	}
	defer it.Close()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		key, _ := it.Key()
		value, _ := it.Value()
		fmt.Printf("scan: %s = %s\n", key, value)
	}

	stats := db.Stats()
	fmt.Printf("memtable bytes: %d, level0 files: %d\n", stats.MemtableBytes, stats.Levels[0].NumFiles)
}
