package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/docsync/pkg/docsync"
	"github.com/mesh-intelligence/docsync/pkg/types"
)

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func parseState(arg string) (map[string]any, error) {
	var state map[string]any
	if err := json.Unmarshal([]byte(arg), &state); err != nil {
		return nil, userErrorf("parse JSON: %s", err)
	}
	return state, nil
}

func newCreateCmd() *cobra.Command {
	var (
		docType  string
		owner    string
		ontology string
		initial  string
		markings []string
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a document",
		Long: `Create a document and print its metadata.

--initial seeds the document with records, keyed by model then record id:

  docsync create "Sprint 12" --type board --initial '{"task":{"t1":{"title":"Plan"}}}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := types.CreateDocumentOptions{
				Name:         args[0],
				DocumentType: docType,
				Owner:        owner,
				Ontology:     ontology,
				Schema:       types.NewSchema(0),
				Security:     types.Security{Markings: markings},
			}
			if initial != "" {
				if err := json.Unmarshal([]byte(initial), &opts.Initial); err != nil {
					return userErrorf("parse --initial: %s", err)
				}
			}

			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			doc, err := svc.CreateDocument(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("create: %w", err)
			}
			md, _ := svc.Metadata(doc)
			return printJSON(cmd.OutOrStdout(), md)
		},
	}
	cmd.Flags().StringVar(&docType, "type", "", "document type")
	cmd.Flags().StringVar(&owner, "owner", "", "document owner")
	cmd.Flags().StringVar(&ontology, "ontology", "", "document ontology")
	cmd.Flags().StringVar(&initial, "initial", "", "initial records as JSON")
	cmd.Flags().StringSliceVar(&markings, "marking", nil, "security marking (repeatable)")
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <doc> [model [id]]",
		Short: "Print document metadata, a collection or a record",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			if len(args) == 1 {
				md, err := docsync.WaitForMetadata(ctx, svc, svc.DocRef(args[0], types.NewSchema(0)))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), md)
			}

			doc, release, err := openDocument(ctx, svc, args[0])
			if err != nil {
				return err
			}
			defer release()
			model := types.NewModel(args[1])

			if len(args) == 3 {
				state, ok := svc.Record(doc, model, args[2]).Get(ctx)
				if !ok {
					return fmt.Errorf("%w: record %s/%s", types.ErrNotFound, args[1], args[2])
				}
				return printJSON(cmd.OutOrStdout(), state)
			}

			coll := svc.Collection(doc, model)
			ids := coll.IDs(ctx)
			sort.Strings(ids)
			all := make(map[string]map[string]any, len(ids))
			for _, id := range ids {
				if state, ok := coll.Record(id).Get(ctx); ok {
					all[id] = state
				}
			}
			return printJSON(cmd.OutOrStdout(), all)
		},
	}
}

func newSetCmd() *cobra.Command {
	var merge bool
	cmd := &cobra.Command{
		Use:   "set <doc> <model> <id> <json>",
		Short: "Create or replace a record",
		Long: `Set stores a record. With --merge the JSON is merged into the existing
record instead: null deletes a field, arrays replace, objects merge.`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			state, err := parseState(args[3])
			if err != nil {
				return err
			}
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			doc, release, err := openDocument(ctx, svc, args[0])
			if err != nil {
				return err
			}
			defer release()

			rec := svc.Record(doc, types.NewModel(args[1]), args[2])
			if merge {
				err = rec.Update(ctx, state)
			} else {
				err = rec.Set(ctx, state)
			}
			if errors.Is(err, types.ErrInvalidRecord) {
				return usageError{err}
			}
			if err != nil {
				return fmt.Errorf("set: %w", err)
			}
			saved, _ := rec.Get(ctx)
			return printJSON(cmd.OutOrStdout(), saved)
		},
	}
	cmd.Flags().BoolVar(&merge, "merge", false, "merge into the existing record")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <doc> <model> <id>",
		Short: "Remove a record",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			doc, release, err := openDocument(ctx, svc, args[0])
			if err != nil {
				return err
			}
			defer release()

			rec := svc.Record(doc, types.NewModel(args[1]), args[2])
			if _, ok := rec.Get(ctx); !ok {
				return fmt.Errorf("%w: record %s/%s", types.ErrNotFound, args[1], args[2])
			}
			if err := rec.Delete(ctx); err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s/%s\n", args[1], args[2])
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	var q types.SearchQuery
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if q.Limit < 0 {
				return userErrorf("--limit must not be negative")
			}
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			docs, err := svc.SearchDocuments(cmd.Context(), q)
			if err != nil {
				return fmt.Errorf("list: %w", err)
			}
			if docs == nil {
				docs = []types.DocumentMetadata{}
			}
			return printJSON(cmd.OutOrStdout(), docs)
		},
	}
	cmd.Flags().StringVar(&q.Name, "name", "", "name substring, case-insensitive")
	cmd.Flags().StringVar(&q.DocumentType, "type", "", "document type")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "maximum number of documents (0: no limit)")
	return cmd
}
