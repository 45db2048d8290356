package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"

	"github.com/steveyegge/tripsync/internal/trip/migrate"
	"github.com/steveyegge/tripsync/internal/trip/schema"
	"github.com/steveyegge/tripsync/internal/trip/session"
	"github.com/steveyegge/tripsync/internal/trip/syncer"
)

var exportCmd = &cobra.Command{
	Use:       "export <collection>",
	GroupID:   "sync",
	Short:     "Write a collection as JSON lines, YAML or CSV",
	Long:      `Write one collection of the trip to stdout or a file. CSV is only available for expenses.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: session.CollectionNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		formatName, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		rt, err := openSession(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()

		var buf bytes.Buffer
		if err := exportCollection(&buf, rt.sess, args[0], formatName); err != nil {
			return err
		}
		if output == "" {
			_, err := io.Copy(os.Stdout, &buf)
			return err
		}
		if err := atomic.WriteFile(output, &buf); err != nil {
			return fmt.Errorf("failed to write %s: %w", output, err)
		}
		fmt.Fprintf(os.Stderr, "%s Exported %s to %s\n", RenderPass("✓"), args[0], output)
		return nil
	},
}

func exportCollection(w io.Writer, sess *session.Session, name, formatName string) error {
	if strings.EqualFold(formatName, "csv") {
		if name != session.Expenses {
			return fmt.Errorf("csv export is only available for %s", session.Expenses)
		}
		return session.WriteExpensesCSV(w, sess.Expenses.Get())
	}
	format, err := migrate.ParseFormat(formatName)
	if err != nil {
		return err
	}
	switch name {
	case session.Itinerary:
		return migrate.Export(w, format, sess.Itinerary.Get())
	case session.Expenses:
		return migrate.Export(w, format, sess.Expenses.Get())
	case session.Ideas:
		return migrate.Export(w, format, sess.Ideas.Get())
	case session.Prep:
		return migrate.Export(w, format, sess.Prep.Get())
	default:
		return unknownCollection(name)
	}
}

var importCmd = &cobra.Command{
	Use:   "import <collection> <file>",
	Short: "Add records from a JSON lines file",
	Long: `Add the records of a JSON lines file, as written by "tripsync export",
to a collection. Records whose id is already present are skipped, so
importing the same file twice is harmless.

Use "-" to read from stdin.`,
	GroupID:   "sync",
	Args:      cobra.ExactArgs(2),
	ValidArgs: session.CollectionNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		var r io.Reader = os.Stdin
		if args[1] != "-" {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}

		rt, err := openSession(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer rt.Close()
		drainErrors(rt.sess)

		var added, skipped int
		switch args[0] {
		case session.Itinerary:
			added, skipped, err = importInto(rt.sess.Itinerary, r)
		case session.Expenses:
			added, skipped, err = importInto(rt.sess.Expenses, r)
		case session.Ideas:
			added, skipped, err = importInto(rt.sess.Ideas, r)
		case session.Prep:
			added, skipped, err = importInto(rt.sess.Prep, r)
		default:
			err = unknownCollection(args[0])
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s Imported %d %s records (%d already present)\n", RenderPass("✓"), added, args[0], skipped)
		return nil
	},
}

// importInto appends the records of r whose ids col does not hold yet.
func importInto[T schema.Record](col *syncer.Synchronizer[T], r io.Reader) (added, skipped int, err error) {
	records, err := migrate.ImportJSONL[T](r)
	if err != nil {
		return 0, 0, err
	}
	current := col.Get()
	next := current
	for _, rec := range records {
		if schema.IndexByID(current, rec.RecordID()) >= 0 {
			skipped++
			continue
		}
		next = append(next, rec)
		added++
	}
	if added == 0 {
		return 0, skipped, nil
	}
	return added, skipped, col.Mutate(next)
}

func unknownCollection(name string) error {
	return fmt.Errorf("unknown collection %q (want one of %s)", name, strings.Join(session.CollectionNames, ", "))
}

func init() {
	exportCmd.Flags().StringP("format", "f", string(migrate.FormatJSONL), "jsonl, yaml or csv")
	exportCmd.Flags().StringP("output", "o", "", "write to this file instead of stdout")
	rootCmd.AddCommand(exportCmd, importCmd)
}
