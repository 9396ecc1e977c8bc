package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/luca-patrignani/code-votation/domain/code"
	"github.com/luca-patrignani/code-votation/storage"
)

func newImportCommand(a *app) *cobra.Command {
	var file, typ string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load the codes of a collection type into the configured database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := code.ParseType(typ)
			if err != nil {
				return err
			}
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			db, err := storage.Open(a.cfg.DatabaseType, a.cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			added, err := importCodes(cmd.Context(), storage.NewSQLStore(db, t.ID), t, f)
			if err != nil {
				return err
			}
			pterm.Success.Printfln("Imported %d new %s codes", added, t.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "codes.json", "JSON array of codes")
	cmd.Flags().StringVar(&typ, "type", "", "Collection type as <id>:<name>")
	cmd.MarkFlagRequired("type")
	return cmd
}

// importCodes stores the JSON array of codes read from r as codes of typ and
// returns how many were not stored before.
func importCodes(ctx context.Context, store storage.Store, typ code.Type, r io.Reader) (int, error) {
	var codes []code.Code
	if err := json.NewDecoder(r).Decode(&codes); err != nil {
		return 0, fmt.Errorf("decode codes: %w", err)
	}
	added := 0
	for _, c := range codes {
		if c.Code == "" {
			return added, fmt.Errorf("code without value: %+v", c)
		}
		if c.Type == "" {
			c.Type = typ.Name
		}
		isNew, err := store.Put(ctx, c)
		if err != nil {
			return added, fmt.Errorf("store %s: %w", c.Code, err)
		}
		if isNew {
			added++
		}
	}
	return added, nil
}
