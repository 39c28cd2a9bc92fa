// Command inspect dumps decoded fact rows from a store for debugging.
// It opens the store directly, so stop the daemon first when the
// backend holds an exclusive lock.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"factdb/pkg/facts"
	"factdb/pkg/models"
)

func main() {
	backend := flag.String("backend", "pebble", "store backend (pebble or sqlite)")
	path := flag.String("path", "./data/factdb", "store path")
	kind := flag.Int("kind", 0, "filter by fact kind (0 = all)")
	ownerTS := flag.Int64("owner-ts", 0, "filter by owner timestamp (0 = all)")
	idTS := flag.Int64("id-ts", 0, "filter by referent timestamp (0 = all)")
	limit := flag.Int("limit", 0, "max rows (0 = unlimited)")
	flag.Parse()

	store, err := facts.Open(*backend, *path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	var where []facts.Pred
	if *kind != 0 {
		where = append(where, facts.KindEq(models.Kind(*kind)))
	}
	if *ownerTS != 0 {
		where = append(where, facts.Pred{Field: facts.FOwnerTS, Op: facts.OpEq, I: *ownerTS})
	}
	if *idTS != 0 {
		where = append(where, facts.IDTSGt(*idTS-1), facts.IDTSLt(*idTS+1))
	}

	rows, err := store.Select(facts.Query{Where: where, Order: facts.OrderIDTS, Limit: *limit})
	if err != nil {
		fmt.Fprintf(os.Stderr, "select: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	for _, f := range rows {
		row := struct {
			models.Fact
			KindName string `json:"kind_name"`
		}{Fact: f, KindName: f.Kind.String()}
		if err := enc.Encode(row); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Fprintf(os.Stderr, "%d rows\n", len(rows))
}
