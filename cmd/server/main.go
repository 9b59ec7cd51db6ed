// Command server is a thin binary that opens a table directory and
// serves it over the REST front-end in pkg/api. It owns no engine logic
// of its own — it only wires pkg/table and pkg/api together and handles
// OS signals for graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mnohosten/columnstore/pkg/api"
	"github.com/mnohosten/columnstore/pkg/table"
)

func main() {
	host := flag.String("host", "127.0.0.1", "REST server host address")
	port := flag.Int("port", 8080, "REST server port")
	dataDir := flag.String("data-dir", "./data", "Table directory for column family storage")
	flag.Parse()

	tbl, err := table.Open(*dataDir, table.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open table %q: %v\n", *dataDir, err)
		os.Exit(1)
	}
	defer tbl.Close()

	config := api.DefaultConfig()
	config.Host = *host
	config.Port = *port

	srv := api.New(tbl, config)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("listening on %s:%d, table dir %s\n", *host, *port, *dataDir)
	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
