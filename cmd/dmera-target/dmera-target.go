/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Dec 29 13:18:26 2017 mstenber
 * Last modified: Tue Mar 20 16:00:57 2018 mstenber
 * Edit time:     68 min
 *
 */

// dmera-target is the HSM-adjacent era target's peripheral surface
// named in spec.md §6: checkpoint, take_metadata_snap,
// drop_metadata_snap. It is intentionally thin (SPEC_FULL.md §3) -
// just far enough to drive a process-local metadata.EraLog; the
// metadata backend is opened only to check that it can be opened.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fingon/go-dmcache/blockio"
	"github.com/fingon/go-dmcache/blockio/factory"
	"github.com/fingon/go-dmcache/metadata"
)

var (
	metaDev     string
	backendName string
)

var rootCmd = &cobra.Command{
	Use:   "dmera-target",
	Short: "era-target metadata peripheral surface (checkpoint / snapshot management)",
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "close the current era and open a new one",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := openEraLog()
		if err != nil {
			return err
		}
		closed := log.Checkpoint()
		fmt.Printf("checkpointed era %d\n", closed)
		return nil
	},
}

var takeSnapCmd = &cobra.Command{
	Use:   "take_metadata_snap",
	Short: "record a metadata snapshot for the current era",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := openEraLog()
		if err != nil {
			return err
		}
		era := log.TakeMetadataSnap()
		fmt.Printf("snapshot taken for era %d\n", era)
		return nil
	},
}

var dropSnapCmd = &cobra.Command{
	Use:   "drop_metadata_snap [era]",
	Short: "drop a previously taken metadata snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := openEraLog()
		if err != nil {
			return err
		}
		var era uint64
		if _, err := fmt.Sscanf(args[0], "%d", &era); err != nil {
			return fmt.Errorf("invalid era %q: %w", args[0], err)
		}
		log.DropMetadataSnap(era)
		fmt.Printf("dropped snapshot for era %d\n", era)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&metaDev, "meta-dev", "", "metadata device/directory (required)")
	rootCmd.PersistentFlags().StringVar(&backendName, "metadata-backend", "badger",
		fmt.Sprintf("metadata backend to use (possible: %v)", factory.List()))
	rootCmd.MarkPersistentFlagRequired("meta-dev")

	rootCmd.AddCommand(checkpointCmd, takeSnapCmd, dropSnapCmd)
}

// openEraLog is process-local for now: a real build would persist
// metadata.EraLog state through the metadata device the same way the
// forward/reverse maps are persisted, keyed off the same
// process-wide handle table as metadata.Open.
var eraLogs = map[string]*metadata.EraLog{}

func openEraLog() (*metadata.EraLog, error) {
	if metaDev == "" {
		return nil, fmt.Errorf("--meta-dev is required")
	}
	if l, ok := eraLogs[metaDev]; ok {
		return l, nil
	}
	if _, err := factory.New(backendName, blockio.BackendConfiguration{Directory: metaDev}); err != nil {
		return nil, fmt.Errorf("opening metadata backend %v: %w", metaDev, err)
	}
	l := metadata.EraLog{}.Init()
	eraLogs[metaDev] = l
	return l, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
