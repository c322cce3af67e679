package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/kartikbazzad/bunmap"
	"github.com/kartikbazzad/bunmap/backend/sqlstore"
)

const help = `Commands:
  .register <name> <schema-json>        register a model (JSON schema form)
  .models                               list registered models
  .indexes <model>                      show declared indexes and build states
  .init <model>                         build indexes and wait for readiness
  .create <model> <doc-json>            create and save a document
  .get <model> <id>                     fetch one document by id
  .find <model> [filter-json]           fetch documents matching a filter
  .set <model> <id> <path> <value>      set one path and save
  .delete <model> <id>                  delete one document by id
  .populate <model> <id> <path>         resolve a reference path
  .help                                 this text
  .exit                                 leave the shell`

func shellCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell over a SQLite-backed store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(dbPath)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "bunmap.db", "SQLite database file")
	return cmd
}

func runShell(dbPath string) error {
	ctx := context.Background()
	conn, err := bunmap.Connect(ctx, sqlstore.New(dbPath), nil)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	if err := conn.Ready(ctx); err != nil {
		return err
	}

	fmt.Printf("bunmap shell %s\n", version)
	fmt.Printf("store: %s\n", dbPath)
	fmt.Println("Type '.help' for commands.")

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for {
		in, err := line.Prompt("> ")
		if err != nil {
			fmt.Println()
			return nil
		}
		in = strings.TrimSpace(in)
		if in == "" {
			continue
		}
		line.AppendHistory(in)
		if in == ".exit" || in == ".quit" {
			return nil
		}
		if err := dispatch(ctx, conn, in); err != nil {
			fmt.Fprintln(os.Stderr, "ERROR:", err)
		}
	}
}

func dispatch(ctx context.Context, conn *bunmap.Connection, in string) error {
	cmd, rest, _ := strings.Cut(in, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case ".help":
		fmt.Println(help)
		return nil

	case ".models":
		for _, name := range conn.Models() {
			m, err := conn.Model(name)
			if err != nil {
				return err
			}
			fmt.Printf("%s -> %s\n", name, m.Collection())
		}
		return nil

	case ".register":
		name, schemaJSON, ok := cutArg(rest)
		if !ok {
			return fmt.Errorf("usage: .register <name> <schema-json>")
		}
		schema, err := bunmap.ParseSchemaJSON([]byte(schemaJSON))
		if err != nil {
			return err
		}
		m, err := conn.RegisterModel(name, schema)
		if err != nil {
			return err
		}
		fmt.Printf("registered %s (collection %s, %d indexes)\n", name, m.Collection(), len(m.Indexes()))
		return nil

	case ".indexes":
		m, err := conn.Model(rest)
		if err != nil {
			return err
		}
		for _, s := range m.IndexStates() {
			line := fmt.Sprintf("%s unique=%v state=%s", s.Spec.Path, s.Spec.Unique, s.State)
			if s.Err != nil {
				line += " err=" + s.Err.Error()
			}
			fmt.Println(line)
		}
		return nil

	case ".init":
		m, err := conn.Model(rest)
		if err != nil {
			return err
		}
		if err := m.Init(ctx); err != nil {
			return err
		}
		fmt.Println("indexes ready")
		return nil

	case ".create":
		name, docJSON, ok := cutArg(rest)
		if !ok {
			return fmt.Errorf("usage: .create <model> <doc-json>")
		}
		m, err := conn.Model(name)
		if err != nil {
			return err
		}
		var values map[string]any
		if err := json.Unmarshal([]byte(docJSON), &values); err != nil {
			return fmt.Errorf("document is not valid JSON: %w", err)
		}
		d, err := m.Create(ctx, values)
		if err != nil {
			return err
		}
		return printJSON(d)

	case ".get":
		name, id, ok := cutArg(rest)
		if !ok {
			return fmt.Errorf("usage: .get <model> <id>")
		}
		m, err := conn.Model(name)
		if err != nil {
			return err
		}
		d, err := m.FindByID(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(d)

	case ".find":
		name, filterJSON, _ := cutArg(rest)
		if name == "" {
			name = rest
		}
		m, err := conn.Model(name)
		if err != nil {
			return err
		}
		filter := bunmap.Filter{}
		if filterJSON != "" {
			var raw map[string]any
			if err := json.Unmarshal([]byte(filterJSON), &raw); err != nil {
				return fmt.Errorf("filter is not valid JSON: %w", err)
			}
			filter = bunmap.Filter(raw)
		}
		docs, err := m.Find(ctx, filter, bunmap.QueryOptions{})
		if err != nil {
			return err
		}
		fmt.Printf("%d documents\n", len(docs))
		for _, d := range docs {
			if err := printJSON(d); err != nil {
				return err
			}
		}
		return nil

	case ".set":
		name, r, ok := cutArg(rest)
		if !ok {
			return fmt.Errorf("usage: .set <model> <id> <path> <value>")
		}
		id, r, ok := cutArg(r)
		if !ok {
			return fmt.Errorf("usage: .set <model> <id> <path> <value>")
		}
		path, value, ok := cutArg(r)
		if !ok || value == "" {
			return fmt.Errorf("usage: .set <model> <id> <path> <value>")
		}
		m, err := conn.Model(name)
		if err != nil {
			return err
		}
		d, err := m.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if err := d.Set(path, parseValue(value)); err != nil {
			return err
		}
		fmt.Printf("modified: %v\n", d.ModifiedPaths())
		if err := d.Save(ctx); err != nil {
			return err
		}
		return printJSON(d)

	case ".delete":
		name, id, ok := cutArg(rest)
		if !ok {
			return fmt.Errorf("usage: .delete <model> <id>")
		}
		m, err := conn.Model(name)
		if err != nil {
			return err
		}
		if err := m.DeleteByID(ctx, id); err != nil {
			return err
		}
		fmt.Println("deleted")
		return nil

	case ".populate":
		name, r, ok := cutArg(rest)
		if !ok {
			return fmt.Errorf("usage: .populate <model> <id> <path>")
		}
		id, path, ok := cutArg(r)
		if !ok {
			return fmt.Errorf("usage: .populate <model> <id> <path>")
		}
		m, err := conn.Model(name)
		if err != nil {
			return err
		}
		d, err := m.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if err := d.Populate(ctx, bunmap.PopulateOption{Path: path}); err != nil {
			return err
		}
		return printJSON(d)

	default:
		return fmt.Errorf("unknown command %q, try .help", cmd)
	}
}

// cutArg splits one space-delimited argument off the front. ok reports
// whether an argument was there at all.
func cutArg(s string) (arg, rest string, ok bool) {
	arg, rest, _ = strings.Cut(s, " ")
	rest = strings.TrimSpace(rest)
	return arg, rest, arg != ""
}

// parseValue reads a value as JSON, falling back to the raw string so bare
// words work without quoting.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
