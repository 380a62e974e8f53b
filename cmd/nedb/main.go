// nedb is an interactive playground for the document store.
//
// Usage:
//
//	nedb [flags]
//
// Flags:
//
//	-f, --file        Datafile path (default from config, see config.go)
//	-m, --in-memory   Do not touch the filesystem
//	-t, --timestamps  Maintain createdAt/updatedAt
//	-v, --verbose     Log load/compaction/eviction events
//
// Commands (in REPL):
//
//	insert <doc>                      Insert a JSON document
//	find <query> [sort...]            List matching documents
//	findone <query>                   Show the first match
//	count <query>                     Count matches
//	update <query> <update>           Update the first match
//	update-all <query> <update>       Update every match
//	upsert <query> <update>           Update or insert
//	remove <query>                    Remove the first match
//	remove-all <query>                Remove every match
//	index <field> [unique] [sparse] [ttl=<seconds>]
//	indexes                           List index declarations
//	removeindex <field>               Drop an index
//	compact                           Rewrite the datafile
//	export <path> <query>             Write matches to a file atomically
//	help                              Show this help
//	exit / quit / q                   Exit
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/peterh/liner"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	nedb "github.com/cutterbl/nedb-revisited"
	"github.com/cutterbl/nedb-revisited/document"
)

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	var (
		file       string
		inMemory   bool
		timestamps bool
		verbose    bool
	)

	flags := pflag.NewFlagSet("nedb", pflag.ContinueOnError)
	flags.StringVarP(&file, "file", "f", cfg.Datafile, "datafile path")
	flags.BoolVarP(&inMemory, "in-memory", "m", false, "do not touch the filesystem")
	flags.BoolVarP(&timestamps, "timestamps", "t", cfg.TimestampData, "maintain createdAt/updatedAt")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log store events")

	err = flags.Parse(os.Args[1:])
	if err != nil {
		return err
	}

	logger := zap.NewNop()

	if verbose {
		logger, err = zap.NewDevelopment()
		if err != nil {
			return err
		}
	}

	store, err := nedb.Open(nedb.Options{
		Filename:      file,
		InMemoryOnly:  inMemory,
		Autoload:      true,
		TimestampData: timestamps,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	defer func() { _ = store.Close() }()

	if inMemory {
		fmt.Println("in-memory store (nothing is persisted)")
	} else {
		fmt.Printf("datafile: %s\n", file)
	}

	return repl(store)
}

func repl(store *nedb.DataStore) error {
	line := liner.NewLiner()
	defer func() { _ = line.Close() }()

	line.SetCtrlCAborts(true)

	for {
		input, err := line.Prompt("nedb> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		if input == "exit" || input == "quit" || input == "q" {
			return nil
		}

		err = dispatch(store, input)
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func dispatch(store *nedb.DataStore, input string) error {
	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "insert":
		return cmdInsert(store, rest)
	case "find":
		return cmdFind(store, rest)
	case "findone":
		return cmdFindOne(store, rest)
	case "count":
		return cmdCount(store, rest)
	case "update":
		return cmdUpdate(store, rest, nedb.UpdateOptions{})
	case "update-all":
		return cmdUpdate(store, rest, nedb.UpdateOptions{Multi: true})
	case "upsert":
		return cmdUpdate(store, rest, nedb.UpdateOptions{Upsert: true})
	case "remove":
		return cmdRemove(store, rest, false)
	case "remove-all":
		return cmdRemove(store, rest, true)
	case "index":
		return cmdIndex(store, rest)
	case "indexes":
		return cmdIndexes(store)
	case "removeindex":
		return store.RemoveIndex(rest)
	case "compact":
		return store.Compact()
	case "export":
		return cmdExport(store, rest)
	case "help":
		fmt.Println(helpText)

		return nil
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

const helpText = `insert <doc> | find <query> [sort...] | findone <query> | count <query>
update[-all] <query> <update> | upsert <query> <update> | remove[-all] <query>
index <field> [unique] [sparse] [ttl=<s>] | indexes | removeindex <field>
compact | export <path> <query> | exit`

func cmdInsert(store *nedb.DataStore, arg string) error {
	doc, err := parseJSON(arg)
	if err != nil {
		return err
	}

	inserted, err := store.Insert(doc)
	if err != nil {
		return err
	}

	return printDoc(inserted)
}

func cmdFind(store *nedb.DataStore, arg string) error {
	query, rest, err := parseLeadingJSON(arg)
	if err != nil {
		return err
	}

	cursor := store.Find(query)

	if fields := strings.Fields(rest); len(fields) > 0 {
		cursor = cursor.Sort(fields...)
	}

	docs, err := cursor.All()
	if err != nil {
		return err
	}

	for _, doc := range docs {
		err = printDoc(doc)
		if err != nil {
			return err
		}
	}

	fmt.Printf("(%d documents)\n", len(docs))

	return nil
}

func cmdFindOne(store *nedb.DataStore, arg string) error {
	query, err := parseJSON(arg)
	if err != nil {
		return err
	}

	doc, err := store.FindOne(query)
	if err != nil {
		return err
	}

	if doc == nil {
		fmt.Println("(no match)")

		return nil
	}

	return printDoc(doc)
}

func cmdCount(store *nedb.DataStore, arg string) error {
	query, err := parseJSON(arg)
	if err != nil {
		return err
	}

	n, err := store.Count(query)
	if err != nil {
		return err
	}

	fmt.Println(n)

	return nil
}

func cmdUpdate(store *nedb.DataStore, arg string, opts nedb.UpdateOptions) error {
	query, rest, err := parseLeadingJSON(arg)
	if err != nil {
		return err
	}

	update, err := parseJSON(rest)
	if err != nil {
		return err
	}

	result, err := store.Update(query, update, opts)
	if err != nil {
		return err
	}

	if result.Upserted != nil {
		fmt.Println("upserted:")

		return printDoc(result.Upserted)
	}

	fmt.Printf("updated %d\n", result.Modified)

	return nil
}

func cmdRemove(store *nedb.DataStore, arg string, multi bool) error {
	query, err := parseJSON(arg)
	if err != nil {
		return err
	}

	n, err := store.Remove(query, nedb.RemoveOptions{Multi: multi})
	if err != nil {
		return err
	}

	fmt.Printf("removed %d\n", n)

	return nil
}

func cmdIndex(store *nedb.DataStore, arg string) error {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return errors.New("index needs a field name")
	}

	opts := nedb.IndexOptions{FieldName: fields[0]}

	for _, mod := range fields[1:] {
		switch {
		case mod == "unique":
			opts.Unique = true
		case mod == "sparse":
			opts.Sparse = true
		case strings.HasPrefix(mod, "ttl="):
			seconds, err := strconv.ParseFloat(strings.TrimPrefix(mod, "ttl="), 64)
			if err != nil {
				return fmt.Errorf("bad ttl: %w", err)
			}

			opts.ExpireAfterSeconds = seconds
		default:
			return fmt.Errorf("unknown index modifier %q", mod)
		}
	}

	return store.EnsureIndex(opts)
}

func cmdIndexes(store *nedb.DataStore) error {
	for _, opts := range store.Indexes() {
		fmt.Printf("%-20s unique=%-5v sparse=%-5v", opts.FieldName, opts.Unique, opts.Sparse)

		if opts.ExpireAfterSeconds > 0 {
			fmt.Printf(" ttl=%gs", opts.ExpireAfterSeconds)
		}

		fmt.Println()
	}

	return nil
}

// cmdExport writes the matching documents to a file, one JSON document per
// line, atomically (temp file + rename).
func cmdExport(store *nedb.DataStore, arg string) error {
	path, rest, _ := strings.Cut(arg, " ")
	if path == "" {
		return errors.New("export needs a path and a query")
	}

	query, err := parseJSON(strings.TrimSpace(rest))
	if err != nil {
		return err
	}

	docs, err := store.Find(query).All()
	if err != nil {
		return err
	}

	var builder strings.Builder

	for _, doc := range docs {
		raw, err := json.Marshal(doc)
		if err != nil {
			return err
		}

		builder.Write(raw)
		builder.WriteString("\n")
	}

	err = atomic.WriteFile(path, strings.NewReader(builder.String()))
	if err != nil {
		return err
	}

	fmt.Printf("wrote %d documents to %s\n", len(docs), path)

	return nil
}

func printDoc(doc document.M) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	fmt.Println(string(raw))

	return nil
}

func parseJSON(raw string) (document.M, error) {
	if raw == "" {
		return document.M{}, nil
	}

	var doc document.M

	err := json.Unmarshal([]byte(raw), &doc)
	if err != nil {
		return nil, fmt.Errorf("bad JSON %q: %w", raw, err)
	}

	return doc, nil
}

// parseLeadingJSON decodes the first JSON value of raw and returns the
// remainder of the string.
func parseLeadingJSON(raw string) (document.M, string, error) {
	decoder := json.NewDecoder(strings.NewReader(raw))

	var doc document.M

	err := decoder.Decode(&doc)
	if err != nil {
		return nil, "", fmt.Errorf("bad JSON %q: %w", raw, err)
	}

	rest, _ := io.ReadAll(decoder.Buffered())

	return doc, strings.TrimSpace(string(rest)), nil
}
