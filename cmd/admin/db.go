package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// dbQueries maps a query name to SQL over the index tables. Every query
// takes the filter value (or "" for none) and a limit.
var dbQueries = map[string]string{
	"snapshots": `SELECT seq,time,path,digest,balances,cells,auctions FROM snapshots
		WHERE ?1 = '' OR digest = ?1 ORDER BY seq DESC LIMIT ?2`,
	"receipts": `SELECT seq,time,op,actor,cells,x,y,code,chain FROM receipts
		WHERE ?1 = '' OR actor = ?1 ORDER BY seq DESC LIMIT ?2`,
	"failures": `SELECT seq,time,op,actor,code FROM receipts
		WHERE code != '' AND (?1 = '' OR actor = ?1) ORDER BY seq DESC LIMIT ?2`,
	"settlements": `SELECT seq,idx,cell,owner,elapsed,CAST(owed AS TEXT) AS owed,CAST(collected AS TEXT) AS collected,exhausted,settled_at FROM settlements
		WHERE ?1 = '' OR owner = ?1 ORDER BY seq DESC, idx LIMIT ?2`,
	"balances": `SELECT actor,CAST(held AS TEXT) AS held,seq FROM state_balances
		WHERE ?1 = '' OR actor = ?1 ORDER BY CAST(held AS REAL) DESC, actor LIMIT ?2`,
	"cells": `SELECT cell,x,y,owner,CAST(price AS TEXT) AS price,last_settled,auction_id,seq FROM state_cells
		WHERE ?1 = '' OR owner = ?1 ORDER BY cell LIMIT ?2`,
	"auctions": `SELECT id,cell,former_owner,high_bidder,CAST(high_bid AS TEXT) AS high_bid,bids,start_time,end_time,status,seq FROM state_auctions
		WHERE ?1 = '' OR status = ?1 ORDER BY id DESC LIMIT ?2`,
}

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	registryID := fs.String("registry", "main", "registry id (ignored with -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	filter := fs.String("filter", "", "actor, owner, digest or status filter depending on the query")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "registries", *registryID, "index", "registry.sqlite")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if *limit <= 0 {
		*limit = 20
	}
	rows, err := queryRows(db, q, *filter, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, r := range rows {
		printJSON(r)
	}
}

// queryRows runs a named query and returns each row as column -> value.
func queryRows(db *sql.DB, name, filter string, limit int) ([]map[string]any, error) {
	stmt, ok := dbQueries[name]
	if !ok {
		return nil, fmt.Errorf("unknown query %q", name)
	}
	rows, err := db.Query(stmt, filter, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
