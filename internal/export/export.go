// Package export writes the protocol event log to a file, either as a CBOR
// array of {ts, msg} records or as tab separated text lines.
package export

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/srg/keytap/internal/session"
)

// Format selects the export encoding.
type Format int

const (
	Text Format = iota
	CBOR
)

func (f Format) String() string {
	switch f {
	case CBOR:
		return "cbor"
	default:
		return "text"
	}
}

// Record is the CBOR form of one event log entry.
type Record struct {
	Time    time.Time `cbor:"ts"`
	Message string    `cbor:"msg"`
}

// encMode produces deterministic output with nanosecond timestamps.
var encMode cbor.EncMode

// decMode reads exported logs back.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsEmpty,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create export CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create export CBOR decoder mode: %v", err))
	}
}

// FormatForPath picks the format from the file extension: .cbor is CBOR,
// anything else is text.
func FormatForPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".cbor") {
		return CBOR
	}
	return Text
}

// Write encodes entries to w.
func Write(w io.Writer, format Format, entries []session.Entry) error {
	switch format {
	case CBOR:
		return writeCBOR(w, entries)
	default:
		return writeText(w, entries)
	}
}

// WriteFile writes entries to path in the format chosen by its extension.
func WriteFile(path string, entries []session.Entry) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	if err := Write(f, FormatForPath(path), entries); err != nil {
		f.Close()
		return fmt.Errorf("failed to export event log: %w", err)
	}
	return f.Close()
}

func writeCBOR(w io.Writer, entries []session.Entry) error {
	records := make([]Record, len(entries))
	for i, e := range entries {
		records[i] = Record{Time: e.Time.UTC(), Message: e.Message}
	}
	return encMode.NewEncoder(w).Encode(records)
}

func writeText(w io.Writer, entries []session.Entry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := fmt.Fprintf(bw, "%s\t%s\n", e.Time.UTC().Format(time.RFC3339Nano), e.Message); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadCBOR decodes a CBOR export.
func ReadCBOR(r io.Reader) ([]Record, error) {
	var records []Record
	if err := decMode.NewDecoder(r).Decode(&records); err != nil {
		return nil, err
	}
	return records, nil
}
