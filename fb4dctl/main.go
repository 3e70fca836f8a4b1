package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/e-martin/FB4D/auth"
	"github.com/e-martin/FB4D/firedata"
	"github.com/e-martin/FB4D/firestore"
)

const Fb4dCtlVersion = "0.0.1"

const stopTimeout = 10 * time.Second

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Firestore realtime listener control.

Usage:
    fb4dctl watch-doc --project=<project> --api_key=<api_key>
        --refresh_token=<refresh_token>
        [--database=<database>]
        <document_path>...
    fb4dctl watch-query --project=<project> --api_key=<api_key>
        --refresh_token=<refresh_token>
        [--database=<database>]
        --collection=<collection>
        [--where=<field:op:value>]
        [--limit=<limit>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --project=<project>              Firebase project id.
    --database=<database>            Database id [default: (default)].
    --api_key=<api_key>              Web API key.
    --refresh_token=<refresh_token>  OAuth refresh token.
    --collection=<collection>        Collection id to query.
    --where=<field:op:value>         Field filter, e.g. state:EQUAL:open.
    --limit=<limit>                  Cap the query result set.`

	// glog setup; the command line itself belongs to docopt
	flag.Set("logtostderr", "true")
	flag.CommandLine.Parse([]string{})

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Fb4dCtlVersion)
	if err != nil {
		panic(err)
	}

	if watchDoc_, _ := opts.Bool("watch-doc"); watchDoc_ {
		watchDoc(opts)
	} else if watchQuery_, _ := opts.Bool("watch-query"); watchQuery_ {
		watchQuery(opts)
	}
}

func newListener(opts docopt.Opts) (*firestore.Listener, context.CancelFunc) {
	project, _ := opts.String("--project")
	database, _ := opts.String("--database")
	apiKey, _ := opts.String("--api_key")
	refreshToken, _ := opts.String("--refresh_token")

	cancelCtx, cancel := context.WithCancel(context.Background())

	tokenSource := auth.NewTokenSourceWithDefaults(cancelCtx, apiKey, refreshToken)
	if ok, err := tokenSource.Refresh(true); !ok {
		Err.Fatalf("token refresh failed: %s", err)
	}

	settings := firestore.DefaultListenerSettings()
	settings.DecodeDocument = decodeDocument
	listener := firestore.NewListener(cancelCtx, project, database, tokenSource, settings)
	return listener, cancel
}

func decodeDocument(raw json.RawMessage) (firestore.Document, error) {
	return firedata.DecodeDocument(raw)
}

func watchDoc(opts docopt.Opts) {
	listener, cancel := newListener(opts)
	defer cancel()

	documentPaths := opts["<document_path>"].([]string)
	for _, documentPath := range documentPaths {
		targetId, err := listener.AddDocumentTarget(documentPath, printChanged, printDeleted)
		if err != nil {
			Err.Fatalf("add target %s: %s", documentPath, err)
		}
		Out.Printf("watching %s as target %d", documentPath, targetId)
	}

	runListener(listener)
}

func watchQuery(opts docopt.Opts) {
	listener, cancel := newListener(opts)
	defer cancel()

	collection, _ := opts.String("--collection")
	query := firedata.NewStructuredQuery(collection)
	if where, err := opts.String("--where"); err == nil && where != "" {
		parts := strings.SplitN(where, ":", 3)
		if len(parts) != 3 {
			Err.Fatalf("bad filter %q, want field:op:value", where)
		}
		query.Where(parts[0], parts[1], parts[2])
	}
	if limit, err := opts.Int("--limit"); err == nil && 0 < limit {
		query.Limit(limit)
	}

	targetId, err := listener.AddQueryTarget(query, printChanged, printDeleted)
	if err != nil {
		Err.Fatalf("add query target: %s", err)
	}
	Out.Printf("watching query on %s as target %d", collection, targetId)

	runListener(listener)
}

func runListener(listener *firestore.Listener) {
	err := listener.Start(
		func(err error) {
			Err.Printf("listener error: %s", err)
		},
		func(ok bool, err error) {
			if ok {
				Out.Printf("token renewed")
			} else {
				Err.Printf("token renewal failed: %s", err)
			}
		},
	)
	if err != nil {
		Err.Fatalf("start: %s", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	if err := listener.Stop(stopTimeout); err != nil {
		Err.Fatalf("stop: %s", err)
	}
	Out.Printf("stopped")
}

func printChanged(doc firestore.Document) {
	if document, ok := doc.(*firedata.Document); ok {
		fields := []string{}
		for _, name := range document.FieldNames() {
			fields = append(fields, fmt.Sprintf("%s=%v", name, document.Field(name)))
		}
		Out.Printf("changed %s @ %s: %s", document.Path(), document.UpdatedAt().Format(time.RFC3339), strings.Join(fields, " "))
	} else {
		Out.Printf("changed %s @ %s", doc.Path(), doc.UpdatedAt().Format(time.RFC3339))
	}
}

func printDeleted(docPath string, readTime time.Time) {
	Out.Printf("deleted %s @ %s", docPath, readTime.Format(time.RFC3339))
}
