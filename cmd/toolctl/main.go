package main

import (
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolmind/agent/internal/httpclient"
)

// toolctl administers the tool catalog, either by talking to a running
// agentd's REST surface or, for offline/scripted use, by opening the
// Postgres store directly. One of --server or --dsn must be set; when both
// are, --server is used.
func main() {
	var serverAddr, dsn string
	var timeout time.Duration

	root := &cobra.Command{
		Use:   "toolctl",
		Short: "Administer the tool catalog",
	}
	root.PersistentFlags().StringVar(&serverAddr, "server", "", "agentd base URL, e.g. http://localhost:8080")
	root.PersistentFlags().StringVar(&dsn, "dsn", "", "Postgres DSN for direct store access")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "request timeout")

	newClient := func() (toolClient, error) {
		if serverAddr != "" {
			return &restToolClient{http: httpclient.New(timeout, 2, 300*time.Millisecond), base: serverAddr}, nil
		}
		if dsn != "" {
			return newDirectToolClient(dsn)
		}
		return nil, errNoBackend
	}

	root.AddCommand(
		listCmd(newClient),
		getCmd(newClient),
		searchCmd(newClient),
		createCmd(newClient),
		executeCmd(newClient),
		deactivateCmd(newClient),
		clearBugsCmd(newClient),
		buggedCmd(newClient),
	)

	if err := root.Execute(); err != nil {
		log.Fatalf("toolctl: %v", err)
		os.Exit(1)
	}
}
